// Package zonefile streams domain records out of gzip-compressed zone files
// as published by the ICANN CZDS service. Zone files are newline-delimited
// records of the form:
//
//	go.zara.	3600	in	ns	a1-253.akam.net.
//	a0.nic.zara.	3600	in	a	65.22.232.33
//
// The decoder never holds more than one batch of records and one
// decompression buffer in memory, regardless of file size.
package zonefile

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/firatesatoglu/ICANN-Zone-Collector/pkg/model"
	"golang.org/x/exp/slices"
)

const DefaultBatchSize = 50000

// maxLineBytes bounds a single zone file line. Longer lines abort the stream.
const maxLineBytes = 1024 * 1024

// DecodeError indicates the compressed stream itself is unreadable. Malformed
// individual lines never produce one; they are skipped and counted.
type DecodeError struct {
	TLD string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding zone file for %q: %v", e.TLD, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type lineKind int

const (
	lineComment lineKind = iota
	lineRecord
	lineMalformed
)

// classified is the tagged result of tokenizing one zone file line. For
// lineRecord, rtype/value are empty when the line carried no usable rdata;
// the name still registers the domain.
type classified struct {
	kind  lineKind
	name  string
	rtype string
	value string
}

// Decoder lazily turns a compressed zone file into batches of DomainRecord.
// It is not restartable and not safe for concurrent use.
type Decoder struct {
	tld       string
	suffix    string
	gz        *gzip.Reader
	scanner   *bufio.Scanner
	batchSize int

	// current is the record being coalesced across adjacent lines. A batch
	// boundary is only ever cut between distinct names, so current carries
	// over into the next call to Next.
	current *model.DomainRecord

	lines   int64
	skipped int64
	done    bool
}

// NewDecoder wraps a compressed byte stream for the given TLD. A stream that
// fails to open as gzip yields a DecodeError immediately.
func NewDecoder(r io.Reader, tld string, batchSize int) (*Decoder, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, &DecodeError{TLD: tld, Err: err}
	}

	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	tld = strings.ToLower(tld)

	return &Decoder{
		tld:       tld,
		suffix:    "." + tld + ".",
		gz:        gz,
		scanner:   scanner,
		batchSize: batchSize,
	}, nil
}

// Next produces the next ordered batch of records. last is true exactly once,
// on the final batch (which may be empty). Calling Next again after last
// returns an empty final batch. A corrupt stream terminates the sequence with
// a DecodeError.
func (d *Decoder) Next() ([]model.DomainRecord, bool, error) {
	if d.done {
		return nil, true, nil
	}

	batch := make([]model.DomainRecord, 0, d.batchSize)

	for d.scanner.Scan() {
		d.lines++

		c := classify(d.scanner.Text(), d.tld, d.suffix)
		switch c.kind {
		case lineComment:
			continue
		case lineMalformed:
			d.skipped++
			continue
		}

		if d.current != nil && d.current.Name == c.name {
			appendValue(d.current, c.rtype, c.value)
			continue
		}

		if d.current != nil {
			batch = append(batch, *d.current)
		}

		rec := model.DomainRecord{Name: c.name}
		appendValue(&rec, c.rtype, c.value)
		d.current = &rec

		if len(batch) >= d.batchSize {
			return batch, false, nil
		}
	}

	if err := d.scanner.Err(); err != nil {
		d.done = true
		return nil, false, &DecodeError{TLD: d.tld, Err: err}
	}

	if d.current != nil {
		batch = append(batch, *d.current)
		d.current = nil
	}
	d.done = true
	_ = d.gz.Close()

	return batch, true, nil
}

// Lines returns how many lines have been read so far.
func (d *Decoder) Lines() int64 { return d.lines }

// Skipped returns how many malformed or unrecognized lines were dropped.
func (d *Decoder) Skipped() int64 { return d.skipped }

func classify(line, tld, suffix string) classified {
	s := strings.TrimSpace(line)
	if s == "" || strings.HasPrefix(s, ";") {
		return classified{kind: lineComment}
	}

	fields := strings.Fields(s)
	if len(fields) < 4 {
		return classified{kind: lineMalformed}
	}

	owner := strings.ToLower(fields[0])

	// The zone apex carries SOA/NS records for the TLD itself, not a
	// registration.
	if owner == tld || owner == tld+"." {
		return classified{kind: lineMalformed}
	}

	if !strings.HasSuffix(owner, suffix) {
		return classified{kind: lineMalformed}
	}

	name := strings.TrimSuffix(owner, suffix)
	if name == "" || strings.Contains(name, ".") {
		// Hosts below a registered name (ns1.example.tld.) are not
		// registrations themselves.
		return classified{kind: lineMalformed}
	}

	rtype := strings.ToLower(fields[3])
	var value string
	switch rtype {
	case "ns":
		if len(fields) > 4 {
			value = strings.TrimSuffix(fields[4], ".")
		}
	case "a", "aaaa":
		if len(fields) > 4 {
			value = fields[4]
		}
	case "ds":
		if len(fields) > 4 {
			value = strings.Join(fields[4:], " ")
		}
	default:
		// Unrecognized record types still register the name; they just
		// contribute no dns_records entry.
		rtype = ""
	}

	return classified{kind: lineRecord, name: name, rtype: rtype, value: value}
}

func appendValue(rec *model.DomainRecord, rtype, value string) {
	if rtype == "" || value == "" {
		return
	}
	if rec.DNSRecords == nil {
		rec.DNSRecords = make(map[string][]string, 1)
	}
	if slices.Contains(rec.DNSRecords[rtype], value) {
		return
	}
	rec.DNSRecords[rtype] = append(rec.DNSRecords[rtype], value)
}
