package syncer

import "errors"

var (
	// ErrConfigRead wraps failures to read a remote configuration file.
	ErrConfigRead = errors.New("remote config read failed")
	// ErrConfigWrite wraps failures to write a remote configuration file.
	ErrConfigWrite = errors.New("remote config write failed")
	// ErrConfigParse wraps remote configuration that is not valid YAML.
	ErrConfigParse = errors.New("remote config parse failed")
	// ErrNoSource is returned when auto sync finds no primary server.
	ErrNoSource = errors.New("no primary server configured")
)
