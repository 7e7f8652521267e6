// Package discovery finds the public endpoint of the control host via
// STUN and checks that fleet DDNS records still point at their servers.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pion/stun/v3"
	"go.uber.org/zap"
)

// NAT classifications inferred from the mapped addresses.
const (
	NATUnknown          = "unknown"
	NATSymmetric        = "symmetric"
	NATConeOrRestricted = "cone_or_restricted"
)

// Endpoint is the publicly visible address of this host, with the NAT
// classification the probe could infer.
type Endpoint struct {
	Address string
	NATType string
}

// Discoverer probes STUN servers and resolves DDNS records.
type Discoverer struct {
	servers []string
	timeout time.Duration
	log     *zap.Logger

	resolver *net.Resolver
}

// New builds a discoverer over the given STUN servers.
func New(servers []string, timeout time.Duration, log *zap.Logger) *Discoverer {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Discoverer{
		servers:  servers,
		timeout:  timeout,
		log:      log,
		resolver: net.DefaultResolver,
	}
}

// PublicEndpoint queries every configured STUN server and returns the
// first mapped address. Differing answers across servers indicate a
// symmetric NAT, which WireGuard peers behind it cannot be dialed
// through directly.
func (d *Discoverer) PublicEndpoint(ctx context.Context) (Endpoint, error) {
	if len(d.servers) == 0 {
		return Endpoint{NATType: NATUnknown}, fmt.Errorf("no STUN servers configured")
	}

	var mapped []string
	var lastErr error
	for _, server := range d.servers {
		addr, err := d.probe(ctx, server)
		if err != nil {
			d.log.Debug("STUN probe failed", zap.String("server", server), zap.Error(err))
			lastErr = err
			continue
		}
		mapped = append(mapped, addr)
	}
	if len(mapped) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("STUN probe failed")
		}
		return Endpoint{NATType: NATUnknown}, lastErr
	}

	ep := Endpoint{Address: mapped[0], NATType: ClassifyNAT(mapped)}
	d.log.Info("discovered public endpoint",
		zap.String("address", ep.Address), zap.String("nat_type", ep.NATType))
	return ep, nil
}

// ClassifyNAT infers the NAT type from mapped addresses returned by
// different STUN servers. One answer is not enough to classify.
func ClassifyNAT(addrs []string) string {
	if len(addrs) < 2 {
		return NATUnknown
	}
	for _, addr := range addrs[1:] {
		if addr != addrs[0] {
			return NATSymmetric
		}
	}
	return NATConeOrRestricted
}

// VerifyDomain resolves a DDNS domain and reports whether any of its
// records matches the expected host address.
func (d *Discoverer) VerifyDomain(ctx context.Context, domain, expected string) (bool, []string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	addrs, err := d.resolver.LookupHost(ctx, domain)
	if err != nil {
		return false, nil, fmt.Errorf("resolving %s: %w", domain, err)
	}
	for _, addr := range addrs {
		if addr == expected {
			return true, addrs, nil
		}
	}
	return false, addrs, nil
}

func (d *Discoverer) probe(ctx context.Context, server string) (string, error) {
	uriStr := strings.TrimSpace(server)
	if uriStr == "" {
		return "", fmt.Errorf("empty STUN server")
	}
	if !strings.HasPrefix(uriStr, "stun:") {
		uriStr = "stun:" + uriStr
	}

	uri, err := stun.ParseURI(uriStr)
	if err != nil {
		return "", err
	}
	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", err
	}
	defer client.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	result := make(chan stun.XORMappedAddress, 1)
	fail := make(chan error, 1)

	go func() {
		var addr stun.XORMappedAddress
		err := client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				fail <- res.Error
				return
			}
			if err := addr.GetFrom(res.Message); err != nil {
				fail <- err
				return
			}
			result <- addr
		})
		if err != nil {
			fail <- err
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	select {
	case addr := <-result:
		return addr.String(), nil
	case err := <-fail:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
