// Package config loads the leakshield policy file.
//
// HCL is the primary format; JSON and YAML files are accepted too and are
// picked by extension. A minimal HCL file:
//
//	schema_version = "1.0"
//	table          = "leakshield"
//
//	log {
//	  level = "info"
//	}
//
//	context {
//	  dns_servers = ["10.64.0.1"]
//	  detect_lan  = true
//	  detect_dns  = true
//
//	  endpoint {
//	    address  = "185.65.135.10"
//	    port     = 51820
//	    protocol = "udp"
//	  }
//	}
//
//	rule "permit_loopback" {}
//	rule "permit_endpoint" {}
//	rule "block_dns" {}
//	rule "block_all" {}
//
// Rule blocks are applied in file order. Identity blocks inside context pin
// the identity of a single filter:
//
//	identity "block_dns" {
//	  layer = "outbound_connect_v4"
//	  id    = "6f1c..."
//	}
//
// Loading never touches the firewall. Call [Config.Validate] before handing
// the result to the policy package.
package config
