package engine

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // BitTorrent v1 info-hash is defined as SHA-1
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/jackpal/bencode-go"
)

type metaFile struct {
	Announce string `bencode:"announce"`
	Info     struct {
		Name   string `bencode:"name"`
		Length int64  `bencode:"length"`
		Files  []struct {
			Length int64    `bencode:"length"`
			Path   []string `bencode:"path"`
		} `bencode:"files"`
	} `bencode:"info"`
}

type MetaFile struct {
	Path   []string
	Length int64
}

// Meta is the subset of a .torrent file the engines need.
type Meta struct {
	Name     string
	Announce string
	Files    []MetaFile
	InfoHash string

	length int64
}

// TotalLength sums file lengths for multi-file torrents.
func (m *Meta) TotalLength() int64 {
	if len(m.Files) == 0 {
		return m.length
	}
	var total int64
	for _, f := range m.Files {
		total += f.Length
	}
	return total
}

const maxTorrentFileSize = 10 << 20

var ErrInvalidTorrent = errors.New("invalid torrent file")

// ParseMeta decodes a .torrent payload and computes its info-hash from the re-encoded info dict.
func ParseMeta(r io.Reader) (*Meta, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxTorrentFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read torrent: %w", err)
	}
	if len(data) > maxTorrentFileSize {
		return nil, fmt.Errorf("%w: larger than %d bytes", ErrInvalidTorrent, maxTorrentFileSize)
	}

	var file metaFile
	if err := bencode.Unmarshal(bytes.NewReader(data), &file); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTorrent, err)
	}
	if file.Info.Name == "" {
		return nil, fmt.Errorf("%w: missing info.name", ErrInvalidTorrent)
	}

	meta := &Meta{
		Name:     file.Info.Name,
		Announce: file.Announce,
		length:   file.Info.Length,
	}
	for _, f := range file.Info.Files {
		meta.Files = append(meta.Files, MetaFile{Path: f.Path, Length: f.Length})
	}

	raw, err := bencode.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTorrent, err)
	}
	root, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top level is not a dictionary", ErrInvalidTorrent)
	}
	info, ok := root["info"]
	if !ok {
		return nil, fmt.Errorf("%w: missing info dictionary", ErrInvalidTorrent)
	}

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, info); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTorrent, err)
	}
	sum := sha1.Sum(buf.Bytes()) //nolint:gosec // see import
	meta.InfoHash = hex.EncodeToString(sum[:])
	return meta, nil
}
