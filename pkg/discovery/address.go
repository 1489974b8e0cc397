package discovery

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"slices"
	"strconv"
)

// GenerateInstanceName returns a random 64-bit instance name as 16 uppercase
// hex characters.
func GenerateInstanceName() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("%016X", binary.BigEndian.Uint64(buf[:])), nil
}

// JoinHostPort formats ip and port as a dialable address.
func JoinHostPort(ip net.IP, port int) string {
	return net.JoinHostPort(ip.String(), strconv.Itoa(port))
}

// SortIPsByPreference returns a copy of ips ordered for dialling:
//  1. globally routable addresses
//  2. private (RFC 1918) and unique local (fc00::/7) addresses
//  3. link-local addresses
//  4. loopback addresses
//
// Within a class IPv4 sorts before IPv6, and the input order is otherwise kept.
func SortIPsByPreference(ips []net.IP) []net.IP {
	sorted := slices.Clone(ips)
	slices.SortStableFunc(sorted, func(a, b net.IP) int {
		return ipPriority(a) - ipPriority(b)
	})
	return sorted
}

// ipPriority returns the priority of an IP address (lower is better).
func ipPriority(ip net.IP) int {
	if ip.To16() == nil {
		return 99
	}
	family := 1
	if ip.To4() != nil {
		family = 0
	}

	switch {
	case ip.IsPrivate():
		return 10 + family
	case ip.IsGlobalUnicast():
		return 0 + family
	case ip.IsLinkLocalUnicast():
		return 20 + family
	case ip.IsLoopback():
		return 30 + family
	default:
		return 40 + family
	}
}

// FilterIPv6 returns only IPv6 addresses from the slice.
func FilterIPv6(ips []net.IP) []net.IP {
	var result []net.IP
	for _, ip := range ips {
		if ip.To4() == nil && ip.To16() != nil {
			result = append(result, ip)
		}
	}
	return result
}

// FilterIPv4 returns only IPv4 addresses from the slice.
func FilterIPv4(ips []net.IP) []net.IP {
	var result []net.IP
	for _, ip := range ips {
		if ip.To4() != nil {
			result = append(result, ip)
		}
	}
	return result
}
