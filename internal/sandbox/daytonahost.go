package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	apiclient "github.com/daytonaio/daytona/libs/api-client-go"
	toolbox "github.com/daytonaio/daytona/libs/toolbox-api-client-go"
)

const defaultDaytonaAPIURL = "https://app.daytona.io/api"

// DaytonaConfig configures the Daytona cloud sandbox backend: one
// long-lived remote VM-like sandbox per user, instead of the local backend's
// spawned child process.
type DaytonaConfig struct {
	APIKey         string
	OrganizationID string
	APIURL         string
	Target         string
	Snapshot       string
	Image          string
	WorkspaceDir   string

	// DriverCommand is the command run inside the sandbox to start
	// sandboxdriver, backgrounded so ExecuteCommand returns immediately.
	// Defaults to "sandboxdriver --data-dir <WorkspaceDir>", plus
	// --idle-deadline/--overall-deadline when those are set, with its
	// output discarded and the command backgrounded with "&".
	DriverCommand string
}

func (c DaytonaConfig) resolved() (DaytonaConfig, error) {
	c.APIKey = strings.TrimSpace(c.APIKey)
	c.OrganizationID = strings.TrimSpace(c.OrganizationID)
	c.APIURL = strings.TrimSpace(c.APIURL)
	c.Target = strings.TrimSpace(c.Target)
	c.WorkspaceDir = strings.TrimSpace(c.WorkspaceDir)

	if c.APIKey == "" {
		c.APIKey = strings.TrimSpace(os.Getenv("DAYTONA_API_KEY"))
	}
	if c.OrganizationID == "" {
		c.OrganizationID = strings.TrimSpace(os.Getenv("DAYTONA_ORGANIZATION_ID"))
	}
	if c.APIURL == "" {
		c.APIURL = strings.TrimSpace(os.Getenv("DAYTONA_API_URL"))
	}
	if c.APIURL == "" {
		c.APIURL = defaultDaytonaAPIURL
	}
	if c.Target == "" {
		c.Target = strings.TrimSpace(os.Getenv("DAYTONA_TARGET"))
	}
	if c.WorkspaceDir == "" {
		c.WorkspaceDir = "/home/daytona/agentloop"
	}
	if c.APIKey == "" {
		return c, errors.New("sandbox: daytona api key is required")
	}
	return c, nil
}

// DaytonaHost is the cloud-sandbox ProcessHost/RemoteFS backend: each
// started process is a persistent Daytona sandbox running sandboxdriver,
// reached through the toolbox proxy's FileSystemAPI and ProcessAPI.
type DaytonaHost struct {
	cfg       DaytonaConfig
	apiClient *apiclient.APIClient
	http      *http.Client

	mu       sync.Mutex
	toolbox  map[string]*toolbox.APIClient // sandbox id -> cached toolbox client
	dataDirs map[string]string             // sandbox id -> remote data dir
}

// NewDaytonaHost builds a DaytonaHost from cfg, resolving unset APIKey,
// OrganizationID, APIURL and Target from DAYTONA_* environment variables.
func NewDaytonaHost(cfg DaytonaConfig) (*DaytonaHost, error) {
	resolved, err := cfg.resolved()
	if err != nil {
		return nil, err
	}

	scheme, host, basePath, err := parseDaytonaURL(resolved.APIURL)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{}
	apiCfg := apiclient.NewConfiguration()
	apiCfg.Host = host
	apiCfg.Scheme = scheme
	apiCfg.HTTPClient = httpClient
	apiCfg.AddDefaultHeader("X-Daytona-Source", "agentloop")
	if resolved.OrganizationID != "" {
		apiCfg.AddDefaultHeader("X-Daytona-Organization-ID", resolved.OrganizationID)
	}
	apiCfg.Servers = apiclient.ServerConfigurations{
		{URL: fmt.Sprintf("%s://%s%s", scheme, host, basePath)},
	}

	return &DaytonaHost{
		cfg:       resolved,
		apiClient: apiclient.NewAPIClient(apiCfg),
		http:      httpClient,
		toolbox:   map[string]*toolbox.APIClient{},
		dataDirs:  map[string]string{},
	}, nil
}

func (h *DaytonaHost) authContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, apiclient.ContextAccessToken, h.cfg.APIKey)
}

// Start creates a fresh Daytona sandbox under appName, waits for it to
// reach the started state, and launches sandboxdriver inside it,
// backgrounded via a trailing "&" so ExecuteCommand returns once the
// process is forked rather than blocking for its lifetime (the toolbox
// ProcessAPI has no dedicated detached-launch call). If cfg.InitScript is
// set, it is submitted synchronously once the driver's ready sentinel
// appears, mirroring LocalHost's Start.
func (h *DaytonaHost) Start(ctx context.Context, appName string, cfg ProcessConfig) (ProcessHandle, error) {
	createReq := apiclient.NewCreateSandbox()
	createReq.SetName(fmt.Sprintf("%s-%d", appName, time.Now().UnixNano()))
	if h.cfg.Target != "" {
		createReq.SetTarget(h.cfg.Target)
	}
	if h.cfg.Snapshot != "" {
		createReq.SetSnapshot(h.cfg.Snapshot)
	} else if h.cfg.Image != "" {
		createReq.SetBuildInfo(apiclient.CreateBuildInfo{DockerfileContent: fmt.Sprintf("FROM %s", h.cfg.Image)})
	}
	if cfg.CPUCores > 0 {
		createReq.SetCpu(int32(cfg.CPUCores))
	}
	if cfg.MemoryMB > 0 {
		createReq.SetMemory(int32((cfg.MemoryMB + 1023) / 1024))
	}

	sandbox, httpResp, err := h.apiClient.SandboxAPI.CreateSandbox(h.authContext(ctx)).CreateSandbox(*createReq).Execute()
	if err != nil {
		return ProcessHandle{}, fmt.Errorf("sandbox: daytona create sandbox: %w", formatDaytonaError(err, httpResp))
	}
	if sandbox.GetState() != apiclient.SANDBOXSTATE_STARTED {
		if err := h.waitStarted(ctx, sandbox.GetId()); err != nil {
			return ProcessHandle{}, err
		}
	}

	tc, err := h.toolboxClient(ctx, sandbox.GetId(), sandbox.GetTarget())
	if err != nil {
		return ProcessHandle{}, err
	}

	dataDir := h.cfg.WorkspaceDir
	if _, err := tc.FileSystemAPI.CreateFolder(ctx).Path(dataDir + "/RES").Mode("0755").Execute(); err != nil {
		return ProcessHandle{}, fmt.Errorf("sandbox: daytona create data dir: %w", err)
	}

	h.mu.Lock()
	h.dataDirs[sandbox.GetId()] = dataDir
	h.mu.Unlock()

	driverCmd := h.cfg.DriverCommand
	if driverCmd == "" {
		flags := fmt.Sprintf("--data-dir %s", dataDir)
		if cfg.IdleDeadline > 0 {
			flags += fmt.Sprintf(" --idle-deadline %s", cfg.IdleDeadline)
		}
		if cfg.OverallDeadline > 0 {
			flags += fmt.Sprintf(" --overall-deadline %s", cfg.OverallDeadline)
		}
		driverCmd = fmt.Sprintf("sandboxdriver %s > /dev/null 2>&1 &", flags)
	}
	execReq := toolbox.NewExecuteRequest(driverCmd)
	if _, _, err := tc.ProcessAPI.ExecuteCommand(ctx).Request(*execReq).Execute(); err != nil {
		return ProcessHandle{}, fmt.Errorf("sandbox: daytona launch driver: %w", err)
	}

	handle := ProcessHandle{RemoteID: sandbox.GetId()}

	if err := h.waitReady(ctx, tc, dataDir); err != nil {
		return ProcessHandle{}, err
	}

	if cfg.InitScript != "" {
		if err := h.runInitScript(ctx, handle, cfg.InitScript); err != nil {
			return ProcessHandle{}, fmt.Errorf("sandbox: daytona init script: %w", err)
		}
	}

	return handle, nil
}

func (h *DaytonaHost) waitStarted(ctx context.Context, sandboxID string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		sandbox, httpResp, err := h.apiClient.SandboxAPI.GetSandbox(h.authContext(ctx), sandboxID).Execute()
		if err != nil {
			return fmt.Errorf("sandbox: daytona sandbox status: %w", formatDaytonaError(err, httpResp))
		}
		switch sandbox.GetState() {
		case apiclient.SANDBOXSTATE_STARTED:
			return nil
		case apiclient.SANDBOXSTATE_ERROR, apiclient.SANDBOXSTATE_BUILD_FAILED, apiclient.SANDBOXSTATE_DESTROYED:
			return fmt.Errorf("sandbox: daytona sandbox failed: %s", sandbox.GetState())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (h *DaytonaHost) waitReady(ctx context.Context, tc *toolbox.APIClient, dataDir string) error {
	deadline := time.Now().Add(30 * time.Second)
	readyPath := dataDir + "/" + ReadyFile
	for {
		if _, _, err := tc.FileSystemAPI.DownloadFile(ctx).Path(readyPath).Execute(); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("sandbox: daytona driver did not become ready in time")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (h *DaytonaHost) runInitScript(ctx context.Context, handle ProcessHandle, code string) error {
	req := Request{CommandID: "init", Code: code}
	line, err := req.Encode()
	if err != nil {
		return err
	}
	if err := h.AppendLine(ctx, handle, line); err != nil {
		return err
	}
	deadline := time.Now().Add(30 * time.Second)
	for {
		data, ok, err := h.ReadResponse(ctx, handle, "init")
		if err != nil {
			return err
		}
		if ok {
			_, err := DecodeResponse(data)
			return err
		}
		if time.Now().After(deadline) {
			return errors.New("sandbox: daytona init script timed out")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// Attach checks a sandbox's liveness via GetSandbox.
func (h *DaytonaHost) Attach(ctx context.Context, remoteID string) (ProcessHandle, bool, error) {
	sandbox, httpResp, err := h.apiClient.SandboxAPI.GetSandbox(h.authContext(ctx), remoteID).Execute()
	if err != nil {
		if httpResp != nil && httpResp.StatusCode == http.StatusNotFound {
			return ProcessHandle{}, false, nil
		}
		return ProcessHandle{}, false, fmt.Errorf("sandbox: daytona attach: %w", formatDaytonaError(err, httpResp))
	}
	alive := sandbox.GetState() == apiclient.SANDBOXSTATE_STARTED || sandbox.GetState() == apiclient.SANDBOXSTATE_STOPPED
	return ProcessHandle{RemoteID: remoteID}, alive, nil
}

// Terminate deletes the sandbox.
func (h *DaytonaHost) Terminate(ctx context.Context, handle ProcessHandle) error {
	_, _, err := h.apiClient.SandboxAPI.DeleteSandbox(h.authContext(ctx), handle.RemoteID).Execute()
	h.mu.Lock()
	delete(h.toolbox, handle.RemoteID)
	delete(h.dataDirs, handle.RemoteID)
	h.mu.Unlock()
	return err
}

// ListLive lists every sandbox named with appName's prefix that is still
// started, for Sweep to clean up orphans from a prior incarnation.
func (h *DaytonaHost) ListLive(ctx context.Context, appName string) ([]ProcessHandle, error) {
	resp, httpResp, err := h.apiClient.SandboxAPI.ListSandboxes(h.authContext(ctx)).Execute()
	if err != nil {
		return nil, fmt.Errorf("sandbox: daytona list sandboxes: %w", formatDaytonaError(err, httpResp))
	}
	var handles []ProcessHandle
	for _, s := range resp {
		if strings.HasPrefix(s.GetName(), appName+"-") && s.GetState() == apiclient.SANDBOXSTATE_STARTED {
			handles = append(handles, ProcessHandle{RemoteID: s.GetId()})
		}
	}
	return handles, nil
}

func (h *DaytonaHost) toolboxClient(ctx context.Context, sandboxID, target string) (*toolbox.APIClient, error) {
	h.mu.Lock()
	if tc, ok := h.toolbox[sandboxID]; ok {
		h.mu.Unlock()
		return tc, nil
	}
	h.mu.Unlock()

	result, httpResp, err := h.apiClient.SandboxAPI.GetToolboxProxyUrl(h.authContext(ctx), sandboxID).Execute()
	if err != nil {
		return nil, fmt.Errorf("sandbox: daytona toolbox proxy url: %w", formatDaytonaError(err, httpResp))
	}
	proxyURL := strings.TrimRight(result.GetUrl(), "/")
	toolboxURL := fmt.Sprintf("%s/%s", proxyURL, sandboxID)
	scheme, host, basePath, err := parseDaytonaURL(toolboxURL)
	if err != nil {
		return nil, err
	}

	cfg := toolbox.NewConfiguration()
	cfg.Host = host
	cfg.Scheme = scheme
	cfg.HTTPClient = h.http
	cfg.AddDefaultHeader("Authorization", "Bearer "+h.cfg.APIKey)
	cfg.AddDefaultHeader("X-Daytona-Source", "agentloop")
	if h.cfg.OrganizationID != "" {
		cfg.AddDefaultHeader("X-Daytona-Organization-ID", h.cfg.OrganizationID)
	}
	cfg.Servers = toolbox.ServerConfigurations{
		{URL: fmt.Sprintf("%s://%s%s", scheme, host, basePath)},
	}
	tc := toolbox.NewAPIClient(cfg)

	h.mu.Lock()
	h.toolbox[sandboxID] = tc
	h.mu.Unlock()
	return tc, nil
}

func (h *DaytonaHost) dataDir(sandboxID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if dir, ok := h.dataDirs[sandboxID]; ok {
		return dir
	}
	return h.cfg.WorkspaceDir
}

// AppendLine appends line to handle's remote REQ file. The toolbox API has
// no native append, so this downloads the file, appends locally, and
// re-uploads it whole; request lines are small and Controller already
// serializes submits per Controller instance, so the read-modify-write is
// not racing a concurrent writer for the same user.
func (h *DaytonaHost) AppendLine(ctx context.Context, handle ProcessHandle, line []byte) error {
	tc, err := h.toolboxClient(ctx, handle.RemoteID, "")
	if err != nil {
		return NewTransientFSError(err)
	}
	path := h.dataDir(handle.RemoteID) + "/" + RequestFile

	existing, _, err := tc.FileSystemAPI.DownloadFile(ctx).Path(path).Execute()
	var current []byte
	if err == nil && existing != nil {
		current = existing
	}

	current = append(current, line...)
	if _, _, err := tc.FileSystemAPI.UploadFile(ctx).Path(path).File(strings.NewReader(string(current))).Execute(); err != nil {
		return NewTransientFSError(err)
	}
	return nil
}

// ReadResponse downloads RES/<commandID>, if present.
func (h *DaytonaHost) ReadResponse(ctx context.Context, handle ProcessHandle, commandID string) ([]byte, bool, error) {
	tc, err := h.toolboxClient(ctx, handle.RemoteID, "")
	if err != nil {
		return nil, false, NewTransientFSError(err)
	}
	path := h.dataDir(handle.RemoteID) + "/RES/" + commandID + ResponseExt

	data, httpResp, err := tc.FileSystemAPI.DownloadFile(ctx).Path(path).Execute()
	if err != nil {
		if httpResp != nil && httpResp.StatusCode == http.StatusNotFound {
			return nil, false, nil
		}
		return nil, false, NewTransientFSError(err)
	}
	return data, true, nil
}

func parseDaytonaURL(raw string) (scheme, host, basePath string, err error) {
	normalized := strings.TrimSpace(raw)
	if !strings.Contains(normalized, "://") {
		normalized = "https://" + normalized
	}
	parsed, err := url.Parse(normalized)
	if err != nil {
		return "", "", "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", "", "", fmt.Errorf("sandbox: invalid daytona url %q", raw)
	}
	return parsed.Scheme, parsed.Host, strings.TrimRight(parsed.Path, "/"), nil
}

func formatDaytonaError(err error, resp *http.Response) error {
	if resp == nil {
		return err
	}
	return fmt.Errorf("%s (status %s)", err.Error(), resp.Status)
}
