package whois

import (
	"context"
	"errors"
	"testing"
	"time"
)

const sampleResponse = `Domain Name: EXAMPLE.ZARA
Registry Domain ID: 123456789_DOMAIN
Registrar WHOIS Server: whois.registrar.test
Registrar: Example Registrar, Inc.
Creation Date: 2020-03-14T09:26:53Z
Registry Expiry Date: 2027-03-14T09:26:53Z
Name Server: NS1.HOST.NET
Name Server: NS2.HOST.NET
Name Server: ns1.host.net
DNSSEC: unsigned
`

func TestParseRaw(t *testing.T) {
	resp := parseRaw(sampleResponse)

	if resp.Registrar != "Example Registrar, Inc." {
		t.Errorf("registrar = %q", resp.Registrar)
	}
	if resp.Created != "2020-03-14T09:26:53Z" {
		t.Errorf("created = %q", resp.Created)
	}
	if resp.Expires != "2027-03-14T09:26:53Z" {
		t.Errorf("expires = %q", resp.Expires)
	}
	if len(resp.NameServers) != 2 {
		t.Fatalf("name servers not deduplicated: %v", resp.NameServers)
	}
	if resp.NameServers[0] != "ns1.host.net" || resp.NameServers[1] != "ns2.host.net" {
		t.Errorf("name servers = %v", resp.NameServers)
	}
	if resp.Raw != sampleResponse {
		t.Error("raw response not preserved")
	}
}

func TestParseRawAlternateFieldNames(t *testing.T) {
	resp := parseRaw("created: 2019-01-01\nexpiry date: 2026-01-01\n")
	if resp.Created != "2019-01-01" {
		t.Errorf("created = %q", resp.Created)
	}
	if resp.Expires != "2026-01-01" {
		t.Errorf("expires = %q", resp.Expires)
	}
}

func TestParseRawFirstValueWins(t *testing.T) {
	resp := parseRaw("Registrar: First\nRegistrar: Second\n")
	if resp.Registrar != "First" {
		t.Errorf("registrar = %q", resp.Registrar)
	}
}

func TestDisabledServiceRejectsLookups(t *testing.T) {
	s := New(false, 5)
	if s.Enabled() {
		t.Error("Enabled() = true")
	}
	if _, err := s.Lookup(context.Background(), "example.zara"); !errors.Is(err, ErrDisabled) {
		t.Errorf("expected ErrDisabled, got %v", err)
	}
}

func TestWaitSpacesCallers(t *testing.T) {
	s := New(true, 10) // 100ms between queries

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := s.wait(context.Background()); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("three calls completed in %v, want at least 200ms", elapsed)
	}
}

func TestWaitHonorsCancellation(t *testing.T) {
	s := New(true, 1) // 1s gap

	if err := s.wait(context.Background()); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
