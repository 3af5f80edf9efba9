package main

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"
	"github.com/spf13/cobra"

	"github.com/treemana/zerodns/internal/client"
)

func newResolveCommand() *cobra.Command {
	var upstream string
	var qtypeStr string
	var short bool

	cmd := &cobra.Command{
		Use:   "resolve <name>",
		Short: "perform one DNS query and print the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			initLogging(false)
			return resolveOne(args[0], upstream, qtypeStr, short)
		},
	}

	cmd.Flags().StringVarP(&upstream, "server", "s", "", "upstream to query, e.g. udp://223.5.5.5:53 (default: /etc/resolv.conf)")
	cmd.Flags().StringVarP(&qtypeStr, "type", "t", "A", "record type to query")
	cmd.Flags().BoolVar(&short, "short", false, "print only the answer rdata, one per line")

	return cmd
}

func resolveOne(name, upstreamRaw, qtypeStr string, short bool) error {
	qtype, ok := dns.StringToType[strings.ToUpper(qtypeStr)]
	if !ok {
		return configError(fmt.Errorf("unknown record type %q", qtypeStr))
	}

	if upstreamRaw == "" {
		cc, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return configError(fmt.Errorf("no -s given and /etc/resolv.conf unreadable: %w", err))
		}
		if len(cc.Servers) == 0 {
			return configError(fmt.Errorf("no -s given and /etc/resolv.conf lists no nameservers"))
		}
		upstreamRaw = net.JoinHostPort(cc.Servers[0], cc.Port)
	}

	up, err := client.Parse(upstreamRaw)
	if err != nil {
		return configError(err)
	}

	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(name), qtype)
	req.RecursionDesired = true

	d := client.NewDispatcher()
	defer d.Close()

	resp, err := d.Query(context.Background(), up, req)
	if err != nil {
		return runtimeError(err)
	}

	printReply(resp, short)
	return nil
}

func printReply(resp *dns.Msg, short bool) {
	if short {
		for _, rr := range resp.Answer {
			fmt.Println(rdataString(rr))
		}
		return
	}

	fmt.Printf(";; status: %s, id: %d\n", dns.RcodeToString[resp.Rcode], resp.Id)
	fmt.Println(";; ANSWER SECTION:")
	for _, rr := range resp.Answer {
		fmt.Println(rr.String())
	}
}

// rdataString prints just the value part of an RR, the way `dig +short`
// does.
func rdataString(rr dns.RR) string {
	full := rr.String()
	fields := strings.SplitN(full, "\t", 5)
	if len(fields) == 5 {
		return fields[4]
	}
	return full
}
