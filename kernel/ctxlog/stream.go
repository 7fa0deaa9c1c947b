package ctxlog

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/sugawarayuuta/sonnet"
	"golang.org/x/crypto/sha3"
)

// Trailer closes a stream. Digest is the hex SHA3-256 of every entry line,
// newline included, in order.
type Trailer struct {
	Count   int    `json:"count"`
	Dropped int    `json:"dropped"`
	Digest  string `json:"sha3"`
}

type frame struct {
	Entry *Entry   `json:"entry,omitempty"`
	End   *Trailer `json:"end,omitempty"`
}

var (
	ErrDigest    = errors.New("ctxlog: digest mismatch")
	ErrCount     = errors.New("ctxlog: entry count mismatch")
	ErrTruncated = errors.New("ctxlog: stream ended before trailer")
)

var (
	entryPrefix = []byte(`{"entry":`)
	endPrefix   = []byte(`{"end":`)
)

// Encode writes entries as one JSON frame per line followed by the trailer.
func Encode(w io.Writer, entries []Entry, dropped int) (Trailer, error) {
	h := sha3.New256()
	bw := bufio.NewWriter(w)
	for i := range entries {
		line, err := sonnet.Marshal(frame{Entry: &entries[i]})
		if err != nil {
			return Trailer{}, err
		}
		line = append(line, '\n')
		h.Write(line)
		if _, err := bw.Write(line); err != nil {
			return Trailer{}, err
		}
	}
	tr := Trailer{Count: len(entries), Dropped: dropped, Digest: hex.EncodeToString(h.Sum(nil))}
	end, err := sonnet.Marshal(frame{End: &tr})
	if err != nil {
		return Trailer{}, err
	}
	if _, err := bw.Write(append(end, '\n')); err != nil {
		return Trailer{}, err
	}
	return tr, bw.Flush()
}

// Decode reads one stream written by Encode. Lines that are not frames
// (prompts, console echo, other log output) are skipped and do not count
// toward the digest.
func Decode(r io.Reader) ([]Entry, Trailer, error) {
	h := sha3.New256()
	var out []Entry

	br := bufio.NewReader(r)
	for {
		raw, err := br.ReadBytes('\n')
		if len(raw) > 0 {
			line := bytes.TrimRight(raw, "\r\n")
			switch {
			case bytes.HasPrefix(line, entryPrefix):
				var f frame
				if err := sonnet.Unmarshal(line, &f); err != nil || f.Entry == nil {
					return out, Trailer{}, fmt.Errorf("ctxlog: bad entry %q", line)
				}
				h.Write(line)
				h.Write([]byte{'\n'})
				out = append(out, *f.Entry)
			case bytes.HasPrefix(line, endPrefix):
				var f frame
				if err := sonnet.Unmarshal(line, &f); err != nil || f.End == nil {
					return out, Trailer{}, fmt.Errorf("ctxlog: bad trailer %q", line)
				}
				tr := *f.End
				if tr.Count != len(out) {
					return out, tr, ErrCount
				}
				if tr.Digest != hex.EncodeToString(h.Sum(nil)) {
					return out, tr, ErrDigest
				}
				return out, tr, nil
			}
		}
		if err == io.EOF {
			return out, Trailer{}, ErrTruncated
		}
		if err != nil {
			return out, Trailer{}, err
		}
	}
}
