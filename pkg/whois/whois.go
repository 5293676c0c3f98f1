// Package whois offers rate-limited WHOIS enrichment for catalogued domains.
// Registry responses are free-form text; a handful of well-known field
// prefixes are scanned out, the raw text is kept for everything else.
package whois

import (
	"bufio"
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/firatesatoglu/ICANN-Zone-Collector/pkg/model"
	likewhois "github.com/likexian/whois"
	"golang.org/x/exp/slices"
)

var ErrDisabled = errors.New("whois lookups are disabled")

type Service struct {
	enabled bool
	minGap  time.Duration
	client  *likewhois.Client

	mu   sync.Mutex
	last time.Time
}

// New builds the service. ratePerSecond bounds how many registry queries are
// issued; zero or negative falls back to 5/s.
func New(enabled bool, ratePerSecond int) *Service {
	if ratePerSecond <= 0 {
		ratePerSecond = 5
	}
	client := likewhois.NewClient()
	client.SetTimeout(15 * time.Second)
	return &Service{
		enabled: enabled,
		minGap:  time.Second / time.Duration(ratePerSecond),
		client:  client,
	}
}

func (s *Service) Enabled() bool { return s.enabled }

func (s *Service) Lookup(ctx context.Context, fqdn string) (model.WhoisResponse, error) {
	if !s.enabled {
		return model.WhoisResponse{}, ErrDisabled
	}
	if err := s.wait(ctx); err != nil {
		return model.WhoisResponse{}, err
	}

	raw, err := s.client.Whois(fqdn)
	if err != nil {
		return model.WhoisResponse{}, err
	}

	resp := parseRaw(raw)
	resp.FQDN = fqdn
	return resp, nil
}

// wait enforces the minimum gap between registry queries across callers.
func (s *Service) wait(ctx context.Context) error {
	s.mu.Lock()
	now := time.Now()
	next := s.last.Add(s.minGap)
	if next.Before(now) {
		next = now
	}
	s.last = next
	s.mu.Unlock()

	d := time.Until(next)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func parseRaw(raw string) model.WhoisResponse {
	resp := model.WhoisResponse{Raw: raw}

	scanner := bufio.NewScanner(strings.NewReader(raw))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lower := strings.ToLower(line)
		switch {
		case resp.Registrar == "" && strings.HasPrefix(lower, "registrar:"):
			resp.Registrar = fieldValue(line)
		case resp.Created == "" && (strings.HasPrefix(lower, "creation date:") || strings.HasPrefix(lower, "created:")):
			resp.Created = fieldValue(line)
		case resp.Expires == "" && (strings.HasPrefix(lower, "registry expiry date:") || strings.HasPrefix(lower, "expiration date:") || strings.HasPrefix(lower, "expiry date:")):
			resp.Expires = fieldValue(line)
		case strings.HasPrefix(lower, "name server:"):
			ns := strings.ToLower(fieldValue(line))
			if ns != "" && !slices.Contains(resp.NameServers, ns) {
				resp.NameServers = append(resp.NameServers, ns)
			}
		}
	}

	return resp
}

func fieldValue(line string) string {
	if i := strings.Index(line, ":"); i >= 0 {
		return strings.TrimSpace(line[i+1:])
	}
	return ""
}
