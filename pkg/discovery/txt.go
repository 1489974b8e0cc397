package discovery

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// TXT record keys of an advertised peer.
const (
	// TXTKeyVersion is the wire protocol version.
	TXTKeyVersion = "v"

	// TXTKeyMaxFrame is the largest frame the peer accepts, in bytes.
	TXTKeyMaxFrame = "mf"

	// TXTKeyTransport names the transport ("tcp").
	TXTKeyTransport = "t"
)

// ProtocolVersion is the wire protocol version advertised by peers.
const ProtocolVersion = 1

// ServiceTXT holds the TXT records of an advertised peer.
type ServiceTXT struct {
	Version      int
	MaxFrameSize int
	Transport    string
}

// Encode returns the TXT records in key=value form, sorted by key.
func (t ServiceTXT) Encode() []string {
	kv := map[string]string{
		TXTKeyVersion: strconv.Itoa(t.Version),
	}
	if t.MaxFrameSize > 0 {
		kv[TXTKeyMaxFrame] = strconv.Itoa(t.MaxFrameSize)
	}
	if t.Transport != "" {
		kv[TXTKeyTransport] = t.Transport
	}
	return FormatTXT(kv)
}

// DecodeServiceTXT parses the known keys of a TXT map. Unknown keys are ignored.
func DecodeServiceTXT(kv map[string]string) (ServiceTXT, error) {
	var t ServiceTXT
	if v, ok := kv[TXTKeyVersion]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return t, fmt.Errorf("%w: %s=%q", ErrInvalidTXTRecord, TXTKeyVersion, v)
		}
		t.Version = n
	}
	if v, ok := kv[TXTKeyMaxFrame]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return t, fmt.Errorf("%w: %s=%q", ErrInvalidTXTRecord, TXTKeyMaxFrame, v)
		}
		t.MaxFrameSize = n
	}
	t.Transport = kv[TXTKeyTransport]
	return t, nil
}

// ParseTXT converts key=value records into a map. Records without '=' map to
// an empty value; keys are case-sensitive and the first occurrence wins.
func ParseTXT(records []string) map[string]string {
	kv := make(map[string]string, len(records))
	for _, r := range records {
		if r == "" {
			continue
		}
		k, v, _ := strings.Cut(r, "=")
		if _, seen := kv[k]; !seen {
			kv[k] = v
		}
	}
	return kv
}

// FormatTXT converts a map into key=value records sorted by key.
func FormatTXT(kv map[string]string) []string {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	records := make([]string, 0, len(keys))
	for _, k := range keys {
		records = append(records, k+"="+kv[k])
	}
	return records
}
