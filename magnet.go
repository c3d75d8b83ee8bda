package dhtcrawl

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// Magnet is the subset of a magnet URI the crawler uses.
type Magnet struct {
	Infohash Infohash
	Name     string
	Trackers []string
}

// ParseMagnet extracts the BTIH infohash from a magnet URI, accepting
// both the 40-character hex and 32-character base32 forms.
func ParseMagnet(uri string) (Magnet, error) {
	var out Magnet

	u, err := url.Parse(uri)
	if err != nil {
		return out, fmt.Errorf("parsing magnet uri: %w", err)
	}
	if u.Scheme != "magnet" {
		return out, fmt.Errorf("not a magnet uri: scheme %q", u.Scheme)
	}

	q := u.Query()
	var btih string
	for _, xt := range q["xt"] {
		if strings.HasPrefix(xt, "urn:btih:") {
			btih = strings.TrimPrefix(xt, "urn:btih:")
			break
		}
	}
	if btih == "" {
		return out, fmt.Errorf("magnet uri carries no urn:btih exact topic")
	}

	var raw []byte
	switch len(btih) {
	case 40:
		raw, err = hex.DecodeString(btih)
		if err != nil {
			return out, fmt.Errorf("decoding hex infohash: %w", err)
		}
	case 32:
		raw, err = base32.StdEncoding.DecodeString(strings.ToUpper(btih))
		if err != nil {
			return out, fmt.Errorf("decoding base32 infohash: %w", err)
		}
	default:
		return out, fmt.Errorf("infohash has length %d, want 40 hex or 32 base32 characters", len(btih))
	}
	copy(out.Infohash[:], raw)

	out.Name = q.Get("dn")
	out.Trackers = q["tr"]
	return out, nil
}

// ParseInfohash decodes a bare 40-character hex infohash.
func ParseInfohash(s string) (Infohash, error) {
	var ih Infohash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ih, fmt.Errorf("decoding hex infohash: %w", err)
	}
	if len(raw) != len(ih) {
		return ih, fmt.Errorf("infohash is %d bytes, want %d", len(raw), len(ih))
	}
	copy(ih[:], raw)
	return ih, nil
}
