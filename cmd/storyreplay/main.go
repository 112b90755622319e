package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/storyvoice/internal/audio"
	"github.com/ent0n29/storyvoice/internal/protocol"
)

type options struct {
	baseURL    string
	story      string
	wavs       []string
	sampleRate int
	chunkMS    int
	realtime   float64
	startWait  time.Duration
	settle     time.Duration
	logOut     string
	verbose    bool
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type snapshotEnvelope struct {
	Type     string `json:"type"`
	Code     string `json:"code,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Snapshot struct {
		State     string `json:"state"`
		LastError string `json:"last_error"`
		Items     []struct {
			ID        string `json:"id"`
			Role      string `json:"role"`
			Formatted struct {
				Transcript string `json:"transcript"`
			} `json:"formatted"`
		} `json:"items"`
	} `json:"snapshot"`
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "storyreplay: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "storyreplay: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var wavsRaw string
	var startWaitMS, settleMS int

	fs := flag.NewFlagSet("storyreplay", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "storyvoice base URL")
	fs.StringVar(&cfg.story, "story", "", "story label for the session (optional)")
	fs.StringVar(&wavsRaw, "wav", "", "WAV files to replay as microphone input, separated by ','")
	fs.IntVar(&cfg.sampleRate, "sample-rate", 24000, "session audio sample rate")
	fs.IntVar(&cfg.chunkMS, "chunk-ms", 45, "audio chunk size in milliseconds")
	fs.Float64Var(&cfg.realtime, "realtime", 1.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	fs.IntVar(&startWaitMS, "start-timeout-ms", 30000, "timeout waiting for the session to become active")
	fs.IntVar(&settleMS, "settle-ms", 3000, "time to keep listening after the last clip")
	fs.StringVar(&cfg.logOut, "log-out", "", "write the session audit log (JSON lines) to this path")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	for _, part := range strings.Split(wavsRaw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			cfg.wavs = append(cfg.wavs, p)
		}
	}
	if cfg.sampleRate < 8000 || cfg.sampleRate > 48000 {
		return options{}, fmt.Errorf("sample-rate must be in [8000,48000]")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if startWaitMS < 1000 {
		startWaitMS = 1000
	}
	if settleMS < 0 {
		settleMS = 0
	}
	cfg.startWait = time.Duration(startWaitMS) * time.Millisecond
	cfg.settle = time.Duration(settleMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	clips := make([][]byte, 0, len(cfg.wavs))
	for _, path := range cfg.wavs {
		pcm, err := loadClip(path, cfg.sampleRate)
		if err != nil {
			return err
		}
		clips = append(clips, pcm)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 45 * time.Second}
	sessionID, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = postSession(context.Background(), httpClient, cfg.baseURL, sessionID, "end")
	}()
	if cfg.verbose {
		fmt.Printf("storyreplay: session=%s clips=%d chunk_ms=%d realtime=%.2f\n", sessionID, len(clips), cfg.chunkMS, cfg.realtime)
	}

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	stateCh := make(chan string, 64)
	readErrCh := make(chan error, 1)
	go readLoop(conn, stateCh, readErrCh, cfg.verbose)

	start := protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: sessionID, Action: protocol.ActionStart}
	if err := conn.WriteJSON(start); err != nil {
		return fmt.Errorf("send start: %w", err)
	}
	if err := awaitState(stateCh, readErrCh, "active", cfg.startWait); err != nil {
		return fmt.Errorf("await active session: %w", err)
	}

	seq := 0
	for i, clip := range clips {
		if cfg.verbose {
			fmt.Printf("storyreplay: clip %d/%d bytes=%d\n", i+1, len(clips), len(clip))
		}
		if err := sendClip(conn, sessionID, clip, cfg.sampleRate, cfg.chunkMS, cfg.realtime, &seq); err != nil {
			return fmt.Errorf("clip %d send audio: %w", i+1, err)
		}
	}
	if cfg.settle > 0 {
		time.Sleep(cfg.settle)
	}

	stop := protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: sessionID, Action: protocol.ActionStop}
	if err := conn.WriteJSON(stop); err != nil {
		return fmt.Errorf("send stop: %w", err)
	}
	if err := awaitState(stateCh, readErrCh, "closed", 15*time.Second); err != nil {
		return fmt.Errorf("await closed session: %w", err)
	}

	if cfg.logOut != "" {
		if err := downloadLog(ctx, httpClient, cfg.baseURL, sessionID, cfg.logOut); err != nil {
			return fmt.Errorf("download audit log: %w", err)
		}
		if cfg.verbose {
			fmt.Printf("storyreplay: audit log written to %s\n", cfg.logOut)
		}
	}
	if cfg.verbose {
		fmt.Println("storyreplay: replay completed")
	}
	return nil
}

func loadClip(path string, sampleRate int) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	pcm, rate, err := audio.ReadWAVPCM16(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("%s produced no PCM bytes", path)
	}
	return audio.Resample(pcm, rate, sampleRate), nil
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	payload, err := json.Marshal(map[string]string{"story": cfg.story})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/story/session", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func postSession(ctx context.Context, client *http.Client, baseURL, sessionID, action string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/story/session/"+url.PathEscape(sessionID)+"/"+action, nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func downloadLog(ctx context.Context, client *http.Client, baseURL, sessionID, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/story/session/"+url.PathEscape(sessionID)+"/log", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", res.StatusCode)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, res.Body); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/story/session/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, stateCh chan<- string, readErrCh chan<- error, verbose bool) {
	lastState := ""
	printed := make(map[string]bool)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}

		var env snapshotEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case string(protocol.TypeSessionSnapshot):
			if st := env.Snapshot.State; st != lastState {
				lastState = st
				if verbose {
					fmt.Printf("storyreplay: state=%s\n", st)
				}
				select {
				case stateCh <- st:
				default:
				}
			}
			if !verbose {
				continue
			}
			for _, item := range env.Snapshot.Items {
				if item.Role == "user" && item.Formatted.Transcript != "" && !printed[item.ID] {
					printed[item.ID] = true
					fmt.Printf("storyreplay: heard %q\n", item.Formatted.Transcript)
				}
			}
		case string(protocol.TypeErrorEvent):
			if verbose {
				fmt.Fprintf(os.Stderr, "storyreplay: error_event code=%s detail=%s\n", env.Code, env.Detail)
			}
		}
	}
}

func awaitState(stateCh <-chan string, readErrCh <-chan error, want string, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case st := <-stateCh:
			if st == want {
				return nil
			}
		case err := <-readErrCh:
			return err
		case <-timer.C:
			return fmt.Errorf("timeout after %s", timeout)
		}
	}
}

// chunkSize returns the byte size of one chunk, even and never larger than
// the clip.
func chunkSize(sampleRate, chunkMS, clipLen int) int {
	n := sampleRate * 2 * chunkMS / 1000
	if n < 2 {
		n = 2
	}
	if n%2 != 0 {
		n++
	}
	if n > clipLen {
		n = clipLen - clipLen%2
	}
	return n
}

func sendClip(conn *websocket.Conn, sessionID string, pcm []byte, sampleRate, chunkMS int, realtime float64, seq *int) error {
	size := chunkSize(sampleRate, chunkMS, len(pcm))
	if size <= 0 {
		return fmt.Errorf("invalid chunk size for sample_rate=%d", sampleRate)
	}

	for off := 0; off < len(pcm); {
		end := min(off+size, len(pcm))
		if (end-off)%2 != 0 {
			end--
		}
		if end <= off {
			break
		}
		*seq = *seq + 1
		msg := protocol.ClientAudioChunk{
			Type:        protocol.TypeClientAudioChunk,
			SessionID:   sessionID,
			Seq:         *seq,
			PCM16Base64: base64.StdEncoding.EncodeToString(pcm[off:end]),
			SampleRate:  sampleRate,
			TSMs:        time.Now().UnixMilli(),
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
		chunkDuration := time.Duration(float64(time.Duration(end-off)*time.Second/time.Duration(sampleRate*2)) / realtime)
		if chunkDuration <= 0 {
			chunkDuration = 10 * time.Millisecond
		}
		off = end
		time.Sleep(chunkDuration)
	}
	return nil
}
