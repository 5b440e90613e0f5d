package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"adwatch/internal/domain"
	"adwatch/internal/probe"
)

// adprobe runs a single classification probe against one directory node and
// prints the outcome as JSON. Exit code 0 when the node is serving (full or
// anonymous bind), 1 when the probe failed, 2 on bad usage.
func main() {
	addr := flag.String("addr", "", "node address, host or host:port")
	bindDomain := flag.String("domain", "", "NetBIOS domain for the bind")
	user := flag.String("user", "", "bind username; empty probes anonymously")
	pass := flag.String("pass", "", "bind password (or BIND_PASSWORD env)")
	base := flag.String("base", "", "search base DN")
	timeout := flag.Duration("timeout", 10*time.Second, "probe timeout")
	flag.Parse()

	if *addr == "" {
		fmt.Fprintln(os.Stderr, "usage: adprobe -addr host[:port] [-domain D -user U -pass P -base DN]")
		os.Exit(2)
	}
	password := *pass
	if password == "" {
		password = os.Getenv("BIND_PASSWORD")
	}

	classifier := probe.NewLDAPClassifier(*timeout)
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	out := classifier.Probe(ctx, *addr,
		probe.Credentials{Domain: *bindDomain, Username: *user, Password: password},
		probe.SearchConfig{BaseDN: *base},
	)

	report := map[string]any{
		"address":            *addr,
		"outcome":            string(out.Kind),
		"connect_elapsed_ms": float64(out.ConnectElapsed) / float64(time.Millisecond),
	}
	if out.SearchElapsed != nil {
		report["search_elapsed_ms"] = float64(*out.SearchElapsed) / float64(time.Millisecond)
	}
	if out.Diagnostic != "" {
		report["diagnostic"] = out.Diagnostic
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)

	if out.Kind == domain.Failed {
		os.Exit(1)
	}
}
