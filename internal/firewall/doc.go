// Package firewall installs leakshield filters into the Linux kernel with
// nftables.
//
// # Layout
//
// Everything leakshield owns lives in one inet table:
//
//	table inet leakshield
//	  chain output  (hook output, policy accept) → output_max → output_high → output_normal
//	  chain input   (hook input,  policy accept) → input_max  → input_high  → input_normal
//
// Outbound layers land in the output chains and inbound layers in the input
// chains, one regular chain per weight class. The hook chain jumps through
// them from the highest weight down, so the first verdict from the highest
// weight wins. Within a weight chain permit rules are inserted at the head
// and block rules appended, which makes a permit win a tie.
//
// # Transactions
//
// An [Installer] transaction queues every change on a single nftables
// connection and commits with one Flush, which the kernel applies as a single
// netlink batch: either every rule lands or none does. Aborting simply drops
// the connection.
//
// # Identity
//
// Each kernel rule carries a comment of the form
//
//	leakshield:<uuid> <name>
//
// which is how rules are found again for replacement, removal and listing
// across restarts. A filter whose port match has no protocol becomes two
// kernel rules (tcp and udp) sharing one identity.
//
// # Scripts
//
// [BuildRulesetScript] renders the same state as an nft script for review,
// and [ValidateScript] checks a script with nft -c without touching the
// ruleset.
package firewall
