//go:build !linux

package network

import (
	"github.com/vishvananda/netlink"
)

// DefaultNetlinker is the default RealNetlinker instance (stub).
var DefaultNetlinker Netlinker = &RealNetlinker{}

// RealNetlinker is a stub implementation of Netlinker. It reports no links,
// so discovery finds nothing.
type RealNetlinker struct{}

func (r *RealNetlinker) LinkList() ([]netlink.Link, error) {
	return nil, nil
}

func (r *RealNetlinker) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return nil, nil
}
