package engine

import (
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/NikitaDmitryuk/mediadash/internal/logutils"
	"github.com/go-bittorrent/magneturi"
)

type LocatorKind string

const (
	LocatorMagnet      LocatorKind = "magnet"
	LocatorTorrentURL  LocatorKind = "torrent_url"
	LocatorTorrentFile LocatorKind = "torrent_file"
)

// Locator is a parsed transfer source. InfoHash is only known up front for magnets.
type Locator struct {
	Raw         string
	Kind        LocatorKind
	InfoHash    string
	DisplayName string
	ExactLength int64
}

var (
	ErrEmptyLocator   = errors.New("empty locator")
	ErrInvalidMagnet  = errors.New("invalid magnet")
	ErrUnsupportedURI = errors.New("unsupported locator")
)

const btihPrefix = "urn:btih:"

// ParseLocator validates a locator without touching the network.
func ParseLocator(raw string) (Locator, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Locator{}, ErrEmptyLocator
	}

	lower := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(lower, "magnet:"):
		return parseMagnet(raw)
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return Locator{}, fmt.Errorf("%w: malformed url", ErrUnsupportedURI)
		}
		return Locator{Raw: raw, Kind: LocatorTorrentURL}, nil
	case strings.HasSuffix(lower, ".torrent") && filepath.IsAbs(raw):
		return Locator{Raw: raw, Kind: LocatorTorrentFile}, nil
	default:
		return Locator{}, fmt.Errorf("%w: expected magnet, http(s) or absolute .torrent path", ErrUnsupportedURI)
	}
}

func parseMagnet(raw string) (Locator, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Locator{}, fmt.Errorf("%w: %w", ErrInvalidMagnet, err)
	}

	var hash string
	for _, xt := range u.Query()["xt"] {
		if strings.HasPrefix(strings.ToLower(xt), btihPrefix) {
			hash = xt[len(btihPrefix):]
			break
		}
	}
	if hash == "" {
		return Locator{}, fmt.Errorf("%w: missing xt=urn:btih", ErrInvalidMagnet)
	}

	normalized, err := NormalizeInfoHash(hash)
	if err != nil {
		return Locator{}, err
	}

	loc := Locator{Raw: raw, Kind: LocatorMagnet, InfoHash: normalized}
	if parsed, perr := magneturi.Parse(raw); perr == nil {
		loc.DisplayName = parsed.DisplayName
		if parsed.ExactLength > 0 {
			loc.ExactLength = int64(parsed.ExactLength)
		}
	} else {
		logutils.Log.WithError(perr).Debug("magneturi could not parse optional magnet fields")
		loc.DisplayName = u.Query().Get("dn")
	}
	return loc, nil
}

// NormalizeInfoHash accepts a 40 char hex or 32 char base32 btih and returns lower hex.
func NormalizeInfoHash(hash string) (string, error) {
	switch len(hash) {
	case 40:
		if _, err := hex.DecodeString(hash); err != nil {
			return "", fmt.Errorf("%w: invalid info hash: %w", ErrInvalidMagnet, err)
		}
		return strings.ToLower(hash), nil
	case 32:
		decoded, err := base32.StdEncoding.DecodeString(strings.ToUpper(hash))
		if err != nil {
			return "", fmt.Errorf("%w: invalid info hash: %w", ErrInvalidMagnet, err)
		}
		return hex.EncodeToString(decoded), nil
	default:
		return "", fmt.Errorf("%w: invalid info hash length %d", ErrInvalidMagnet, len(hash))
	}
}
