package decision

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"
)

// Verifier checks a card provider's webhook signature.
type Verifier interface {
	Verify(rawBody []byte, signature, provider string) bool
}

// HMACVerifier validates hex-encoded HMAC-SHA256 signatures with a shared
// secret per provider.
type HMACVerifier struct {
	secrets map[string][]byte
}

// NewHMACVerifier builds a verifier from provider -> secret pairs.
func NewHMACVerifier(secrets map[string]string) *HMACVerifier {
	v := &HMACVerifier{secrets: make(map[string][]byte, len(secrets))}
	for provider, secret := range secrets {
		v.secrets[strings.ToLower(provider)] = []byte(secret)
	}
	return v
}

// Sign returns the signature a provider would send for body.
func (v *HMACVerifier) Sign(body []byte, provider string) string {
	mac := hmac.New(sha256.New, v.secrets[strings.ToLower(provider)])
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body for the named provider.
// Unknown providers never verify.
func (v *HMACVerifier) Verify(rawBody []byte, signature, provider string) bool {
	secret, ok := v.secrets[strings.ToLower(provider)]
	if !ok || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(rawBody)
	return hmac.Equal(got, mac.Sum(nil))
}

// IPAllowList matches source addresses against configured IPs and CIDRs.
// An empty list allows every address.
type IPAllowList struct {
	prefixes []netip.Prefix
}

// NewIPAllowList parses entries such as "10.0.0.0/8" or "203.0.113.7".
func NewIPAllowList(entries []string) (*IPAllowList, error) {
	l := &IPAllowList{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("invalid allow-list entry %q: %w", e, err)
			}
			l.prefixes = append(l.prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("invalid allow-list entry %q: %w", e, err)
		}
		l.prefixes = append(l.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return l, nil
}

// Allowed reports whether ip may call the authorization endpoint.
func (l *IPAllowList) Allowed(ip string) bool {
	if l == nil || len(l.prefixes) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range l.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
