// Package console is a small line-oriented operator shell over the
// protocol stack, in the style of a router CLI.
package console

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"firestige.xyz/netsim/internal/config"
	"firestige.xyz/netsim/internal/log"
	"firestige.xyz/netsim/internal/stack"
	"firestige.xyz/netsim/internal/stack/icmp"
	"firestige.xyz/netsim/internal/stack/ipv4"
	"firestige.xyz/netsim/internal/stack/udp"
	"firestige.xyz/netsim/internal/wire"
)

// Console executes operator commands against one stack instance.
type Console struct {
	stack *stack.ProtocolStack
	cfg   *config.Config
	log   log.Logger
}

func New(s *stack.ProtocolStack, cfg *config.Config, logger log.Logger) *Console {
	return &Console{stack: s, cfg: cfg, log: logger.WithField("component", "console")}
}

// Run reads commands line by line until EOF or "exit".
func (c *Console) Run(in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	prompt := c.stack.Hostname() + "> "
	fmt.Fprint(out, prompt)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "exit" || line == "quit" {
			return nil
		}
		if line != "" {
			result, err := c.Execute(line)
			if err != nil {
				fmt.Fprintf(out, "%% %v\n", err)
			} else if result != "" {
				fmt.Fprint(out, result)
			}
		}
		fmt.Fprint(out, prompt)
	}
	return scanner.Err()
}

// Execute runs one command and returns its output.
func (c *Console) Execute(line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	switch fields[0] {
	case "help", "?":
		return helpText, nil
	case "ping":
		return c.ping(fields[1:])
	case "show":
		return c.show(fields[1:])
	case "debug":
		return c.debug(fields[1:])
	case "clear":
		return c.clear(fields[1:])
	default:
		return "", fmt.Errorf("unknown command %q, try help", fields[0])
	}
}

const helpText = `commands:
  ping <ip> [count]          send ICMP echo requests (loopback simulation)
  show arp                   ARP cache
  show tcp                   TCP connections
  show sockets               bound UDP ports
  show crypto ipsec sa       IPsec security associations
  show crypto ipsec policy   IPsec policy database
  show crypto isakmp         IKE sessions
  show running-config        effective configuration
  show version               device status
  debug ip packet <ip> [n]   dump a sample packet's wire encoding
  clear arp                  flush dynamic ARP entries
  clear counters             reset the whole stack
  exit                       leave the console
`

// ping simulates an echo exchange against the target: every request is
// answered locally, so it exercises session bookkeeping and formatting
// rather than a real network.
func (c *Console) ping(args []string) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("usage: ping <ip> [count]")
	}
	target, err := ipv4.ParseAddress(args[0])
	if err != nil {
		return "", err
	}
	count := c.cfg.Stack.Ping.Count
	if len(args) > 1 {
		count, err = strconv.Atoi(args[1])
		if err != nil || count < 1 {
			return "", fmt.Errorf("invalid count %q", args[1])
		}
	}

	pm := c.stack.Ping
	sess := pm.CreateSession(target, c.cfg.Stack.Ping.PayloadSize)
	var b strings.Builder
	fmt.Fprintf(&b, "PING %s: %d data bytes\n", target, c.cfg.Stack.Ping.PayloadSize)
	for i := 0; i < count; i++ {
		pkt, err := pm.SendPing(sess.ID)
		if err != nil {
			return "", err
		}
		req := pkt.Payload.(*icmp.Message)
		reply := icmp.NewEchoReply(req)
		rtt, ok := pm.ProcessReply(sess.ID, reply)
		if ok {
			fmt.Fprintf(&b, "%d bytes from %s: icmp_seq=%d time=%s\n",
				reply.TransportLength(), target, reply.Sequence, rtt.Round(time.Microsecond))
		}
	}
	b.WriteString(pm.FormatStatistics(sess.ID))
	pm.CloseSession(sess.ID)
	return b.String(), nil
}

func (c *Console) show(args []string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("usage: show <arp|tcp|sockets|crypto|running-config|version>")
	}
	switch args[0] {
	case "arp":
		return c.stack.ARP.Table().Format(), nil
	case "tcp":
		return c.stack.TCP.Format(), nil
	case "sockets":
		return c.stack.UDP.Format(), nil
	case "crypto":
		if len(args) >= 2 && args[1] == "isakmp" {
			return c.stack.IPSec.FormatIKE(), nil
		}
		if len(args) >= 3 && args[1] == "ipsec" && args[2] == "policy" {
			return c.stack.IPSec.FormatSPD(), nil
		}
		if len(args) >= 3 && args[1] == "ipsec" && args[2] == "sa" {
			return c.stack.IPSec.FormatSA(), nil
		}
		return "", fmt.Errorf("usage: show crypto <ipsec sa|ipsec policy|isakmp>")
	case "running-config":
		return c.cfg.Dump()
	case "version":
		return c.stack.Format(), nil
	default:
		return "", fmt.Errorf("unknown show target %q", args[0])
	}
}

// discardPort is where sample debug traffic is aimed (RFC 863).
const discardPort = 9

// debug renders the on-the-wire form of a freshly built packet, the way a
// real device's "debug ip packet" taps frames: a sample UDP datagram to
// the given destination, shown as a gopacket layer summary plus hex dump.
func (c *Console) debug(args []string) (string, error) {
	if len(args) < 3 || args[0] != "ip" || args[1] != "packet" {
		return "", fmt.Errorf("usage: debug ip packet <ip> [bytes]")
	}
	dst, err := ipv4.ParseAddress(args[2])
	if err != nil {
		return "", err
	}
	size := 32
	if len(args) > 3 {
		size, err = strconv.Atoi(args[3])
		if err != nil || size < 0 {
			return "", fmt.Errorf("invalid size %q", args[3])
		}
	}

	d, err := udp.NewDatagram(udp.EphemeralMin, discardPort, make([]byte, size))
	if err != nil {
		return "", err
	}
	pkt, err := c.stack.NewPacket(dst, ipv4.ProtocolUDP, d)
	if err != nil {
		return "", err
	}
	raw, err := wire.EncodeIPv4(pkt)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "IP packet to %s, %d bytes on the wire\n", dst, len(raw))
	b.WriteString(wire.Summarize(raw))
	b.WriteString(wire.Hexdump(raw))
	return b.String(), nil
}

func (c *Console) clear(args []string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("usage: clear <arp|counters>")
	}
	switch args[0] {
	case "arp":
		c.stack.ARP.Table().Flush()
		return "", nil
	case "counters":
		c.stack.Reset()
		return "", nil
	default:
		return "", fmt.Errorf("unknown clear target %q", args[0])
	}
}
