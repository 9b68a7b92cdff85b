//go:build linux

package network

import (
	"github.com/vishvananda/netlink"
)

// DefaultNetlinker talks to the kernel.
var DefaultNetlinker Netlinker = &RealNetlinker{}

// RealNetlinker is a concrete implementation of Netlinker that uses the actual netlink package.
type RealNetlinker struct{}

// LinkList retrieves all links.
func (r *RealNetlinker) LinkList() ([]netlink.Link, error) {
	return netlink.LinkList()
}

// AddrList retrieves addresses of a link.
func (r *RealNetlinker) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return netlink.AddrList(link, family)
}
