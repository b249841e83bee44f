// Package scandriver owns the external scanner child process for one stage
// of a scan (ping sweep or port scan). It builds nmap arguments the way
// scanorama's buildScanOptions does, streams the child's XML report
// incrementally instead of buffering the whole report, and maps every
// completed <host> fragment to scanevents.Event values.
package scandriver

import (
	"bufio"
	"context"
	"encoding/pem"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Ullaakut/nmap/v3"
	"github.com/zmap/zcrypto/x509"

	"github.com/eidolon-project/eidolon/internal/errors"
	"github.com/eidolon-project/eidolon/internal/logging"
	"github.com/eidolon-project/eidolon/internal/planner"
	"github.com/eidolon-project/eidolon/internal/scanevents"
)

// Driver owns one external scanner binary invocation per stage.
type Driver struct {
	// ScannerBin is the path or $PATH name of the external scanner (SCANNER_BIN).
	ScannerBin string

	// KillGracePeriod is how long to wait after SIGTERM before SIGKILL.
	KillGracePeriod time.Duration

	logger *logging.Logger
}

// New constructs a Driver. A nil logger disables diagnostic logging.
func New(scannerBin string, killGracePeriod time.Duration, logger *logging.Logger) *Driver {
	if scannerBin == "" {
		scannerBin = "nmap"
	}
	if killGracePeriod <= 0 {
		killGracePeriod = 3 * time.Second
	}
	return &Driver{ScannerBin: scannerBin, KillGracePeriod: killGracePeriod, logger: logger}
}

// RunPing runs a host-discovery sweep over plan.Hosts, returning a channel
// of ScanEvents (host_up/host_down/progress_tick, then a single
// stage_complete once the report ends). log_line events relayed from the
// child's stderr can arrive before or after the stage_complete, and a
// non-zero scanner exit adds one more log_line after it. The channel is
// closed when the stage ends, whether by
// completion, cancellation, or failure; a non-nil error is returned only
// when the child could not even be started.
func (d *Driver) RunPing(ctx context.Context, plan *planner.ScanPlan) (<-chan scanevents.Event, error) {
	args := d.pingArgs(plan)
	return d.runStage(ctx, scanevents.StagePing, args, len(plan.Hosts))
}

// RunPort runs a TCP scan over liveHosts × plan.Ports (or all 65535 ports
// when plan.AllPorts), returning a channel of ScanEvents (port_state,
// optional os_match, progress_tick, then stage_complete; log_line events
// are ordered as described for RunPing).
func (d *Driver) RunPort(ctx context.Context, plan *planner.ScanPlan, liveHosts []string) (<-chan scanevents.Event, error) {
	args := d.portArgs(plan, liveHosts)
	return d.runStage(ctx, scanevents.StagePort, args, len(liveHosts))
}

// pingArgs builds nmap arguments for the ping stage via nmap.Option
// builders, the way scanorama's buildScanOptions does, then extracts the
// resulting argv instead of handing control to nmap.Scanner.Run().
func (d *Driver) pingArgs(plan *planner.ScanPlan) []string {
	opts := []nmap.Option{
		nmap.WithTargets(hostStrings(plan.Hosts)...),
		nmap.WithPingScan(),
	}
	if plan.Options.DNSResolution {
		opts = append(opts, nmap.WithSystemDNS())
	} else {
		opts = append(opts, nmap.WithDisabledDNSResolution())
	}
	return buildArgv(opts)
}

// portArgs builds nmap arguments for the port stage.
func (d *Driver) portArgs(plan *planner.ScanPlan, liveHosts []string) []string {
	opts := []nmap.Option{
		nmap.WithTargets(liveHosts...),
		nmap.WithConnectScan(),
		nmap.WithSkipHostDiscovery(),
	}
	if plan.AllPorts {
		opts = append(opts, nmap.WithPorts("1-65535"))
	} else {
		opts = append(opts, nmap.WithPorts(portStrings(plan.Ports)...))
	}
	if plan.Options.Aggressive {
		opts = append(opts,
			nmap.WithServiceInfo(),
			nmap.WithVersionAll(),
			nmap.WithOSDetection(),
			nmap.WithScripts("ssl-cert"),
		)
	}
	return buildArgv(opts)
}

// buildArgv constructs a throwaway nmap.Scanner purely to accumulate the
// argv nmap.Option builders produce, then discards the Scanner: the
// subprocess itself is spawned and owned by this package, not by
// nmap.Scanner.Run().
func buildArgv(opts []nmap.Option) []string {
	scanner, err := nmap.NewScanner(context.Background(), opts...)
	if err != nil || scanner == nil {
		return nil
	}
	return scanner.Args()
}

func hostStrings(hosts []net.IP) []string {
	out := make([]string, len(hosts))
	for i, h := range hosts {
		out[i] = h.String()
	}
	return out
}

func portStrings(ports []int) []string {
	out := make([]string, len(ports))
	for i, p := range ports {
		out[i] = strconv.Itoa(p)
	}
	return out
}

// runStage spawns the scanner child, streams its XML report incrementally,
// and translates its stderr into log_line events. hostTotal is the
// progress-tick denominator.
func (d *Driver) runStage(ctx context.Context, stage scanevents.Stage, args []string, hostTotal int) (<-chan scanevents.Event, error) {
	out := make(chan scanevents.Event, 256)

	argv := append([]string{"-oX", "-"}, args...)
	cmd := exec.CommandContext(ctx, d.ScannerBin, argv...) //nolint:gosec // SCANNER_BIN is operator-configured, not request-derived
	// watchCancellation owns the stdin-close/SIGTERM/grace-period SIGKILL
	// sequence; the default Cancel would SIGKILL the child as soon as ctx is done.
	cmd.Cancel = func() error { return nil }

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.WrapScanError(errors.CodeScanFailed, "failed to open scanner stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.WrapScanError(errors.CodeScanFailed, "failed to open scanner stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.WrapScanError(errors.CodeScanFailed, "failed to open scanner stderr", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.WrapScanError(errors.CodeScanFailed, "failed to start scanner", err)
	}

	log := d.logger
	if log != nil {
		log = log.WithComponent("scandriver")
	}

	go func() {
		defer close(out)

		var wg sync.WaitGroup
		var eventsSeen int
		var mu sync.Mutex
		recordEvent := func() {
			mu.Lock()
			eventsSeen++
			mu.Unlock()
		}

		cancelDone := make(chan struct{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			watchCancellation(ctx, cmd, stdinPipe, d.KillGracePeriod, cancelDone, log)
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			scanStderr(stderr, out, recordEvent)
		}()

		parseStream(stdout, stage, hostTotal, out, recordEvent)

		waitErr := cmd.Wait()
		close(cancelDone)
		wg.Wait()

		mu.Lock()
		seen := eventsSeen
		mu.Unlock()

		switch {
		case ctx.Err() != nil:
			// Cancellation requested; events already parsed were delivered above.
		case waitErr != nil && seen == 0:
			if log != nil {
				log.WithError(waitErr).Error("scanner exited with no events")
			}
			out <- scanevents.NewLogLineEvent("parser", "error", fmt.Sprintf("scanner failed: %v", waitErr))
		case waitErr != nil:
			if log != nil {
				log.WithError(waitErr).Error("scanner exited non-zero with partial results")
			}
			out <- scanevents.NewLogLineEvent("parser", "error", fmt.Sprintf("partial scan: %v", waitErr))
		}
	}()

	return out, nil
}

// watchCancellation closes stdin and sends SIGTERM when ctx is cancelled,
// escalating to SIGKILL if the child hasn't exited within the grace period.
// Returns (via cancelDone closing) once the stage's own goroutine observes
// cmd.Wait() returning, so this never outlives its stage.
func watchCancellation(ctx context.Context, cmd *exec.Cmd, stdin io.Closer, grace time.Duration, done <-chan struct{}, log *logging.Logger) {
	select {
	case <-ctx.Done():
	case <-done:
		return
	}

	_ = stdin.Close()
	if cmd.Process != nil {
		if log != nil {
			log.Info("cancelling scanner subprocess", "pid", cmd.Process.Pid)
		}
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-timer.C:
		if cmd.Process != nil {
			if log != nil {
				log.Info("grace period elapsed, killing scanner subprocess", "pid", cmd.Process.Pid)
			}
			_ = cmd.Process.Kill()
		}
	case <-done:
	}
}

// scanStderr relays the child's stderr, line by line, as log_line events.
func scanStderr(r io.Reader, out chan<- scanevents.Event, recordEvent func()) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		out <- scanevents.NewLogLineEvent("stderr", "info", line)
		recordEvent()
	}
}

// --- incremental XML parsing ---

// nmapHost mirrors the subset of one nmap XML report's <host> element this
// driver consumes.
type nmapHost struct {
	Status    nmapStatus    `xml:"status"`
	Addresses []nmapAddress `xml:"address"`
	Hostnames struct {
		Hostname []nmapHostname `xml:"hostname"`
	} `xml:"hostnames"`
	Ports struct {
		Port []nmapPort `xml:"port"`
	} `xml:"ports"`
	OS struct {
		Match []nmapOSMatch `xml:"osmatch"`
	} `xml:"os"`
}

type nmapStatus struct {
	State string `xml:"state,attr"`
}

type nmapAddress struct {
	Addr     string `xml:"addr,attr"`
	AddrType string `xml:"addrtype,attr"`
}

type nmapHostname struct {
	Name string `xml:"name,attr"`
}

type nmapPort struct {
	Protocol string `xml:"protocol,attr"`
	PortID   string `xml:"portid,attr"`
	State    struct {
		State string `xml:"state,attr"`
	} `xml:"state"`
	Service struct {
		Name    string `xml:"name,attr"`
		Product string `xml:"product,attr"`
		Version string `xml:"version,attr"`
	} `xml:"service"`
	Scripts []nmapScript `xml:"script"`
}

type nmapScript struct {
	ID     string `xml:"id,attr"`
	Output string `xml:"output,attr"`
}

type nmapOSMatch struct {
	Name     string `xml:"name,attr"`
	Accuracy string `xml:"accuracy,attr"`
}

// parseStream decodes the nmap XML report token by token, buffering only
// the current <host> subtree, emitting events per completed host and
// discarding the buffer.
func parseStream(r io.Reader, stage scanevents.Stage, hostTotal int, out chan<- scanevents.Event, recordEvent func()) {
	dec := xml.NewDecoder(r)
	completedHosts := 0
	liveHosts := make([]string, 0, hostTotal)

	for {
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF {
				break
			}
			out <- scanevents.NewLogLineEvent("parser", "error", fmt.Sprintf("xml stream error: %v", err))
			recordEvent()
			break
		}

		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "host" {
			continue
		}

		var h nmapHost
		if err := dec.DecodeElement(&h, &se); err != nil {
			out <- scanevents.NewLogLineEvent("parser", "error", fmt.Sprintf("failed to decode host fragment: %v", err))
			recordEvent()
			continue
		}

		addr := primaryAddress(h)
		if addr == "" {
			continue
		}

		emitHostEvents(h, addr, stage, out, recordEvent, &liveHosts)

		completedHosts++
		out <- scanevents.NewProgressTickEvent(stage, completedHosts, hostTotal)
		recordEvent()
	}

	out <- scanevents.NewStageCompleteEvent(stage, liveHosts)
	recordEvent()
}

func primaryAddress(h nmapHost) string {
	for _, a := range h.Addresses {
		if a.AddrType == "ipv4" {
			return a.Addr
		}
	}
	if len(h.Addresses) > 0 {
		return h.Addresses[0].Addr
	}
	return ""
}

func emitHostEvents(h nmapHost, addr string, stage scanevents.Stage, out chan<- scanevents.Event, recordEvent func(), liveHosts *[]string) {
	if stage == scanevents.StagePing {
		if h.Status.State == "up" {
			hostname := ""
			if len(h.Hostnames.Hostname) > 0 {
				hostname = h.Hostnames.Hostname[0].Name
			}
			out <- scanevents.NewHostUpEvent(addr, hostname)
			*liveHosts = append(*liveHosts, addr)
		} else {
			out <- scanevents.NewHostDownEvent(addr)
		}
		recordEvent()
		return
	}

	for _, p := range h.Ports.Port {
		port, err := strconv.Atoi(p.PortID)
		if err != nil {
			continue
		}
		ps := scanevents.PortState{
			Address:  addr,
			Port:     port,
			Protocol: p.Protocol,
			State:    p.State.State,
			Service:  p.Service.Name,
			Product:  p.Service.Product,
			Version:  p.Service.Version,
		}
		if subject, issuer, expiry, ok := certFromScripts(p.Scripts); ok {
			ps.CertSubject = subject
			ps.CertIssuer = issuer
			ps.CertExpiry = expiry
		}
		out <- scanevents.NewPortStateEvent(ps)
		recordEvent()
	}

	for _, m := range h.OS.Match {
		accuracy, _ := strconv.Atoi(m.Accuracy)
		out <- scanevents.NewOSMatchEvent(addr, m.Name, accuracy)
		recordEvent()
	}
	*liveHosts = append(*liveHosts, addr)
}

// certFromScripts parses an ssl-cert NSE script block's PEM payload with
// zcrypto/x509, which tolerates the malformed/non-RFC-conformant
// certificates nmap sometimes captures off real-world hosts (stdlib
// crypto/x509 rejects many of them outright).
func certFromScripts(scripts []nmapScript) (subject, issuer, expiry string, ok bool) {
	for _, s := range scripts {
		if s.ID != "ssl-cert" {
			continue
		}
		der := extractCertDER(s.Output)
		if der == nil {
			continue
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			continue
		}
		return cert.Subject.String(), cert.Issuer.String(), cert.NotAfter.Format(time.RFC3339), true
	}
	return "", "", "", false
}

// extractCertDER pulls the DER bytes out of a script output field that may
// contain a PEM-wrapped certificate; returns nil if none is present. This is
// intentionally lenient: nmap's ssl-cert script output format has varied
// across versions and this only needs to recover a best-effort certificate.
func extractCertDER(output string) []byte {
	const marker = "-----BEGIN CERTIFICATE-----"
	idx := strings.Index(output, marker)
	if idx < 0 {
		return nil
	}
	block, _ := pem.Decode([]byte(output[idx:]))
	if block == nil {
		return nil
	}
	return block.Bytes
}
