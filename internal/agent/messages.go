package agent

// envelope is the common shape every message carries: id (echoed on
// reply) and type. Specific fields are parsed separately from the same
// raw JSON once type is known.
type envelope struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`
}

type registerMsg struct {
	ID           string   `json:"id,omitempty"`
	Type         string   `json:"type"`
	AgentVersion string   `json:"agent_version"`
	Capabilities []string `json:"capabilities"`
}

type pingMsg struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`
}

type execMsg struct {
	ID       string   `json:"id,omitempty"`
	Type     string   `json:"type"`
	CmdID    string   `json:"cmd_id"`
	Argv     []string `json:"argv"`
	Env      []string `json:"env,omitempty"`
	Cwd      string   `json:"cwd,omitempty"`
	TimeoutMs int64   `json:"timeout_ms,omitempty"`
	Pty      bool     `json:"pty,omitempty"`
	Cols     int      `json:"cols,omitempty"`
	Rows     int      `json:"rows,omitempty"`
}

type execResultMsg struct {
	ID         string `json:"id,omitempty"`
	Type       string `json:"type"`
	CmdID      string `json:"cmd_id"`
	ExitCode   int    `json:"exit_code"`
	StdoutTail string `json:"stdout_tail,omitempty"`
	StderrTail string `json:"stderr_tail,omitempty"`
}

type sessionStartMsg struct {
	ID        string   `json:"id,omitempty"`
	Type      string   `json:"type"`
	SessionID string   `json:"session_id"`
	Argv      []string `json:"argv"`
	Pty       bool     `json:"pty,omitempty"`
}

type sessionInputMsg struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	DataB64   string `json:"data_b64"`
}

type sessionSignalMsg struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Signum    int    `json:"signum"`
}

type sessionResizeMsg struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

type sessionKillMsg struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type sessionOutputMsg struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Stream    string `json:"stream"`
	DataB64   string `json:"data_b64"`
}

type sessionExitMsg struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ExitCode  int    `json:"exit_code"`
}

type uploadMsg struct {
	ID          string `json:"id,omitempty"`
	Type        string `json:"type"`
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	ChecksumMD5 string `json:"checksum_md5"`
	Mode        uint32 `json:"mode,omitempty"`
	// DataB64 carries the whole payload inline when sent over the
	// serial fallback, which has no chunk streaming.
	DataB64 string `json:"data_b64,omitempty"`
}

type downloadMsg struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`
	Path string `json:"path"`
}

type readyMsg struct {
	ID          string `json:"id,omitempty"`
	Type        string `json:"type"`
	Size        int64  `json:"size,omitempty"`
	ChecksumMD5 string `json:"checksum_md5,omitempty"`
}

type completeMsg struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`
}

type resultMsg struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"` // "success" or "error"
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
