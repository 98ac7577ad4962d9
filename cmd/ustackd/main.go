//go:build linux

package main

import (
	"context"
	cryptorand "crypto/rand"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/unkn0wn-root/ustack/internal/addr"
	"github.com/unkn0wn-root/ustack/internal/stack"
	"github.com/unkn0wn-root/ustack/internal/tapdevice"
)

var (
	tapName       = flag.String("tap", "ustack0", "name of the TAP interface to attach to")
	mtu           = flag.Int("mtu", stack.DefaultMTU, "interface MTU")
	macAddr       = flag.String("mac", "", "MAC address to bind (random locally-administered address if unset)")
	ipv4Addr      = flag.String("ipv4", "", "static IPv4 host address, e.g. 10.0.0.2/24")
	ipv4Gateway   = flag.String("ipv4-gateway", "", "static IPv4 gateway address")
	ipv6Addr      = flag.String("ipv6", "", "static IPv6 host address, e.g. fd00::2/64")
	ipv6Gateway   = flag.String("ipv6-gateway", "", "static IPv6 gateway address")
	enableVerbose = flag.Bool("v", false, "enable verbose (debug) logging")
	metricsEnable = flag.Bool("metrics-enable", false, "enable the Prometheus metrics HTTP endpoint")
	metricsAddr   = flag.String("metrics-addr", "localhost:0", "address to listen on for Prometheus metrics")
)

func main() {
	flag.Parse()
	logger := newLogger(*enableVerbose)
	slog.SetDefault(logger)

	mac, err := resolveMAC(*macAddr)
	if err != nil {
		logger.Error("invalid MAC address", "error", err)
		os.Exit(1)
	}

	hosts4, err := parseIPv4Hosts(*ipv4Addr, *ipv4Gateway)
	if err != nil {
		logger.Error("invalid IPv4 configuration", "error", err)
		os.Exit(1)
	}
	hosts6, err := parseIPv6Hosts(*ipv6Addr, *ipv6Gateway)
	if err != nil {
		logger.Error("invalid IPv6 configuration", "error", err)
		os.Exit(1)
	}

	dev, err := tapdevice.Open(*tapName, *mtu)
	if err != nil {
		logger.Error("failed to open TAP device", "tap", *tapName, "error", err)
		os.Exit(1)
	}
	defer dev.Close()

	s, err := stack.New(stack.Config{
		MAC:    mac,
		Hosts4: hosts4,
		Hosts6: hosts6,
		Source: dev,
		Sink:   dev,
		Logger: logger,
		MTU:    *mtu,
	})
	if err != nil {
		logger.Error("failed to build stack", "error", err)
		os.Exit(1)
	}

	if *metricsEnable {
		go serveMetrics(logger, *metricsAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("ustackd starting", "tap", dev.Name(), "mac", mac)
	if err := s.Run(ctx); err != nil {
		logger.Error("stack run exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("ustackd stopped")
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if fi, err := os.Stdout.Stat(); verbose && err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: level}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func serveMetrics(logger *slog.Logger, listenAddr string) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		logger.Error("failed to start Prometheus metrics listener", "error", err)
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("prometheus metrics server started", "address", listener.Addr().String())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		logger.Error("prometheus metrics server exited", "error", err)
	}
}

func resolveMAC(s string) (addr.MAC, error) {
	if s == "" {
		return randomLocalMAC()
	}
	return addr.ParseMAC(s)
}

// randomLocalMAC generates a locally-administered, unicast MAC (the U/L bit
// set, the multicast bit clear), suitable when no -mac flag is given.
func randomLocalMAC() (addr.MAC, error) {
	var b [6]byte
	if _, err := cryptorand.Read(b[:]); err != nil {
		return addr.MAC{}, fmt.Errorf("generating random MAC: %w", err)
	}
	b[0] = (b[0] | 0x02) &^ 0x01
	return addr.MACFromBytes(b[:])
}

// parseCIDR4 splits "a.b.c.d/n" into the host address and its network.
func parseCIDR4(cidr string) (addr.IPv4, addr.IPv4Network, error) {
	ipStr, onesStr, ok := strings.Cut(cidr, "/")
	if !ok {
		return 0, addr.IPv4Network{}, fmt.Errorf("%q: want address/prefixlen", cidr)
	}
	ones, err := strconv.Atoi(onesStr)
	if err != nil {
		return 0, addr.IPv4Network{}, fmt.Errorf("%q: invalid prefix length: %w", cidr, err)
	}
	host, err := addr.ParseIPv4(ipStr)
	if err != nil {
		return 0, addr.IPv4Network{}, fmt.Errorf("%q: %w", cidr, err)
	}
	mask, err := addr.NewIPv4MaskFromOnes(ones)
	if err != nil {
		return 0, addr.IPv4Network{}, fmt.Errorf("%q: %w", cidr, err)
	}
	netAddr := addr.IPv4FromBytes(maskedIPv4(host, mask))
	return host, addr.NewIPv4Network(netAddr, mask), nil
}

func maskedIPv4(ip addr.IPv4, mask addr.IPv4Mask) [4]byte {
	ipBytes, maskBytes := ip.Bytes(), mask.Bytes()
	var out [4]byte
	for i := range out {
		out[i] = ipBytes[i] & maskBytes[i]
	}
	return out
}

// parseCIDR6 splits "addr/n" into the host address and its network.
func parseCIDR6(cidr string) (addr.IPv6, addr.IPv6Network, error) {
	ipStr, onesStr, ok := strings.Cut(cidr, "/")
	if !ok {
		return addr.IPv6{}, addr.IPv6Network{}, fmt.Errorf("%q: want address/prefixlen", cidr)
	}
	ones, err := strconv.Atoi(onesStr)
	if err != nil {
		return addr.IPv6{}, addr.IPv6Network{}, fmt.Errorf("%q: invalid prefix length: %w", cidr, err)
	}
	host, err := addr.ParseIPv6(ipStr)
	if err != nil {
		return addr.IPv6{}, addr.IPv6Network{}, fmt.Errorf("%q: %w", cidr, err)
	}
	mask, err := addr.NewIPv6MaskFromOnes(ones)
	if err != nil {
		return addr.IPv6{}, addr.IPv6Network{}, fmt.Errorf("%q: %w", cidr, err)
	}
	netBytes := maskedIPv6(host, mask)
	netAddr, err := addr.IPv6FromBytes(netBytes[:])
	if err != nil {
		return addr.IPv6{}, addr.IPv6Network{}, fmt.Errorf("%q: %w", cidr, err)
	}
	return host, addr.NewIPv6Network(netAddr, mask), nil
}

func maskedIPv6(ip addr.IPv6, mask addr.IPv6Mask) [16]byte {
	ipBytes, maskBytes := ip.Bytes(), mask.Bytes()
	var out [16]byte
	for i := range out {
		out[i] = ipBytes[i] & maskBytes[i]
	}
	return out
}

func parseIPv4Hosts(cidr, gateway string) ([]*addr.IPv4Host, error) {
	if cidr == "" {
		return nil, nil
	}
	host, network, err := parseCIDR4(cidr)
	if err != nil {
		return nil, err
	}
	var gw *addr.IPv4
	if gateway != "" {
		g, err := addr.ParseIPv4(gateway)
		if err != nil {
			return nil, fmt.Errorf("gateway: %w", err)
		}
		gw = &g
	}
	h, err := addr.NewIPv4Host(host, network, gw, addr.OriginStatic)
	if err != nil {
		return nil, err
	}
	return []*addr.IPv4Host{h}, nil
}

func parseIPv6Hosts(cidr, gateway string) ([]*addr.IPv6Host, error) {
	if cidr == "" {
		return nil, nil
	}
	host, network, err := parseCIDR6(cidr)
	if err != nil {
		return nil, err
	}
	var gw *addr.IPv6
	if gateway != "" {
		g, err := addr.ParseIPv6(gateway)
		if err != nil {
			return nil, fmt.Errorf("gateway: %w", err)
		}
		gw = &g
	}
	h, err := addr.NewIPv6Host(host, network, gw, addr.OriginStatic)
	if err != nil {
		return nil, err
	}
	return []*addr.IPv6Host{h}, nil
}
