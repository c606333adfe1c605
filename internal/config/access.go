package config

import (
	"net"
	"strings"
)

// ParseNetworks returns CIDR blocks from a comma separated list. Bare IPs
// become single-host networks; unparsable entries are skipped.
func ParseNetworks(value string) []*net.IPNet {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	var result []*net.IPNet
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.Contains(part, "/") {
			if ip := net.ParseIP(part); ip != nil {
				if v4 := ip.To4(); v4 != nil {
					ip = v4
				}
				mask := net.CIDRMask(len(ip)*8, len(ip)*8)
				network := &net.IPNet{IP: ip, Mask: mask}
				result = append(result, network)
			}
			continue
		}
		if _, network, err := net.ParseCIDR(part); err == nil {
			result = append(result, network)
		}
	}
	return result
}

// ParseHosts returns lower-cased hostnames from a comma separated list.
func ParseHosts(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	var hosts []string
	for _, part := range strings.Split(value, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		hosts = append(hosts, part)
	}
	return hosts
}
