package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/mdmrelay/mdm-agent/internal/command"
	"github.com/mdmrelay/mdm-agent/internal/mdm"
	"github.com/mdmrelay/mdm-agent/internal/orchestrator"
	"github.com/mdmrelay/mdm-agent/internal/protocol"
)

var (
	// socketReadTimeout bounds how long a client may take to send its request.
	socketReadTimeout = 5 * time.Second
	// socketWriteTimeout bounds writing the response back.
	socketWriteTimeout = 5 * time.Second
	// maxConcurrentConnections caps in-flight control requests.
	maxConcurrentConnections = 16
	// maxRequestSize caps the request body.
	maxRequestSize int64 = 1 << 20

	getCurrentUid = os.Geteuid
)

type submitter interface {
	SubmitAll(ctx context.Context, tag command.Tag, deviceIDs []string, params command.Params, opts orchestrator.Options) []orchestrator.Result
}

type deviceSource interface {
	List(ctx context.Context) ([]mdm.Device, bool, error)
}

type licenseAssigner interface {
	AssignLicenses(ctx context.Context, sToken, adamID string, serials []string) error
}

// controlServer accepts submissions from `mdm-agent send` on the local socket.
type controlServer struct {
	submitter submitter
	devices   deviceSource
	licenses  licenseAssigner
	logger    *log.Logger
}

// listenControl prepares the socket directory and listens on path.
func listenControl(path string) (net.Listener, error) {
	if err := ensureSocketDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	// Remove a stale socket from a previous run.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket listener: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to restrict socket permissions: %w", err)
	}
	return listener, nil
}

// serve accepts connections until ctx is done. At most maxConcurrentConnections
// requests are handled at once; further clients wait in the listen backlog.
func (s *controlServer) serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	sem := make(chan struct{}, maxConcurrentConnections)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		conn, err := listener.Accept()
		if err != nil {
			<-sem
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Printf("Socket accept error: %v", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *controlServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if err := verifySocketPeer(conn); err != nil {
		s.logger.Printf("Rejected control connection: %v", err)
		return
	}

	// A slow client must not hold a slot forever.
	conn.SetReadDeadline(time.Now().Add(socketReadTimeout))
	var req protocol.SubmitRequest
	dec := json.NewDecoder(&limitedConnReader{conn: conn, remaining: maxRequestSize})
	if err := dec.Decode(&req); err != nil {
		s.logger.Printf("Failed to decode control request: %v", err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	// The client sends nothing after its request, so a read returning means it hung up
	// or the connection broke. Either way nobody is waiting for the outcome anymore.
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		var buf [1]byte
		for {
			if _, err := conn.Read(buf[:]); err != nil {
				cancel()
				return
			}
		}
	}()

	resp := s.process(reqCtx, req)
	if reqCtx.Err() != nil && ctx.Err() == nil {
		s.logger.Printf("Control client went away, dropped %s", req.Tag)
		return
	}

	conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Printf("Failed to send control response: %v", err)
	}
}

// process resolves the request's devices and submits the command to each of them.
func (s *controlServer) process(ctx context.Context, req protocol.SubmitRequest) protocol.SubmitResponse {
	tag, err := command.ParseTag(req.Tag)
	if err != nil {
		return protocol.SubmitResponse{Error: err.Error()}
	}
	if !req.All && len(req.Devices) == 0 {
		return protocol.SubmitResponse{Error: "no devices selected"}
	}

	targets, unknown, err := s.resolve(ctx, req)
	if err != nil {
		return protocol.SubmitResponse{Error: err.Error()}
	}
	resp := protocol.SubmitResponse{Results: []protocol.DeviceResult{}, Unknown: unknown}
	if len(targets) == 0 {
		return resp
	}

	if tag == command.InstallApplication && req.VPPToken != "" {
		// A failed assignment is reported but does not stop the install: the device may
		// already hold a license.
		if err := s.assignLicenses(ctx, req, targets); err != nil {
			s.logger.Printf("VPP license assignment failed: %v", err)
			resp.Warnings = append(resp.Warnings, err.Error())
		}
	}

	s.logger.Printf("Submitting %s to %d device(s)", tag, len(targets))
	opts := orchestrator.Options{
		Wake:       req.Wake,
		WaitForAck: req.WaitForAck,
		Timeout:    time.Duration(req.TimeoutMs) * time.Millisecond,
	}
	results := s.submitter.SubmitAll(ctx, tag, mdm.UDIDs(targets), command.Params(req.Params), opts)
	for i, res := range results {
		resp.Results = append(resp.Results, deviceResult(targets[i], res))
	}
	return resp
}

func (s *controlServer) assignLicenses(ctx context.Context, req protocol.SubmitRequest, targets []mdm.Device) error {
	if s.licenses == nil {
		return errors.New("vpp: license assignment is not configured")
	}
	adamID, err := appStoreID(req.Params)
	if err != nil {
		return err
	}
	var serials []string
	for _, dev := range targets {
		if dev.Serial != "" {
			serials = append(serials, dev.Serial)
		}
	}
	if len(serials) == 0 {
		return errors.New("vpp: no serial numbers known for the selected devices")
	}
	s.logger.Printf("Assigning VPP license for app %s to %d device(s)", adamID, len(serials))
	return s.licenses.AssignLicenses(ctx, req.VPPToken, adamID, serials)
}

// appStoreID reads itunes_store_id from the command fields. JSON numbers arrive as
// float64.
func appStoreID(params map[string]any) (string, error) {
	switch v := params["itunes_store_id"].(type) {
	case string:
		return mdm.ParseAppID(v)
	case float64:
		return mdm.ParseAppID(strconv.FormatFloat(v, 'f', -1, 64))
	case nil:
		return "", errors.New("vpp: itunes_store_id is required for license assignment")
	default:
		return "", fmt.Errorf("vpp: unsupported itunes_store_id %v", v)
	}
}

func (s *controlServer) resolve(ctx context.Context, req protocol.SubmitRequest) ([]mdm.Device, []string, error) {
	devices, cached, err := s.devices.List(ctx)
	if err != nil {
		if req.All {
			return nil, nil, fmt.Errorf("failed to list devices: %w", err)
		}
		// Without a device list the selectors can only be taken as UDIDs.
		s.logger.Printf("Device list unavailable, treating selectors as UDIDs: %v", err)
		var targets []mdm.Device
		seen := make(map[string]bool)
		for _, sel := range req.Devices {
			if sel == "" || seen[sel] {
				continue
			}
			seen[sel] = true
			targets = append(targets, mdm.Device{UDID: sel})
		}
		return targets, nil, nil
	}
	if cached {
		s.logger.Println("Using cached device list")
	}
	if req.All {
		return devices, nil, nil
	}
	targets, unknown := mdm.Select(devices, req.Devices)
	return targets, unknown, nil
}

func deviceResult(dev mdm.Device, res orchestrator.Result) protocol.DeviceResult {
	out := protocol.DeviceResult{
		UDID:        dev.UDID,
		Serial:      dev.Serial,
		Token:       res.Command.Token,
		CommandUUID: res.Command.CommandUUID,
		State:       string(res.State),
		HTTPStatus:  res.Receipt.StatusCode,
		DurationMs:  int(res.Duration.Milliseconds()),
		OK:          res.OK(),
	}
	switch res.State {
	case orchestrator.StateResolved:
		out.Outcome = res.Outcome.Status.String()
		out.ErrorCode = res.Outcome.ErrorCode
		out.Detail = res.Outcome.Detail
	case orchestrator.StateRejected:
		out.Detail = res.Receipt.Body
	}
	if res.Err != nil {
		out.Detail = res.Err.Error()
	}
	return out
}

// limitedConnReader stops a client from streaming an unbounded request.
type limitedConnReader struct {
	conn      net.Conn
	remaining int64
}

func (r *limitedConnReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, errors.New("control request too large")
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.conn.Read(p)
	r.remaining -= int64(n)
	return n, err
}

// requestAgent sends req to the agent listening on path and waits for the response.
func requestAgent(ctx context.Context, path string, req protocol.SubmitRequest) (protocol.SubmitResponse, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return protocol.SubmitResponse{}, fmt.Errorf("failed to connect to agent socket %s (is `mdm-agent agent` running?): %w", path, err)
	}
	defer conn.Close()

	if err := verifySocketPeer(conn); err != nil {
		return protocol.SubmitResponse{}, err
	}

	// Unblock the read below when ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return protocol.SubmitResponse{}, fmt.Errorf("failed to send request: %w", err)
	}
	conn.SetWriteDeadline(time.Time{})

	var resp protocol.SubmitResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		if ctx.Err() != nil {
			return protocol.SubmitResponse{}, ctx.Err()
		}
		return protocol.SubmitResponse{}, fmt.Errorf("failed to read response: %w", err)
	}
	return resp, nil
}
