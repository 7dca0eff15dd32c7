// Package main provides a terminal client that follows one execution through the tracker's
// view websocket.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"

	"github.com/xiaot623/exectrack/internal/domain"
	"github.com/xiaot623/exectrack/internal/service"
)

// Client talks to a running tracker.
type Client struct {
	baseURL    string
	httpClient *http.Client
	conn       *websocket.Conn
	done       chan struct{}
}

// NewClient creates a client for the tracker at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		done:       make(chan struct{}),
	}
}

// Close closes the view connection.
func (c *Client) Close() error {
	close(c.done)
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Start asks the tracker to start a new execution and returns its id.
func (c *Client) Start(persona, command string) (string, error) {
	return c.post("/v1/executions", service.StartRequest{Persona: persona, Command: command})
}

// Track asks the tracker to follow an execution started elsewhere.
func (c *Client) Track(executionID, persona, command string) (string, error) {
	return c.post("/v1/executions/"+url.PathEscape(executionID)+"/track", service.TrackRequest{
		ExecutionID: executionID,
		Persona:     persona,
		Command:     command,
	})
}

func (c *Client) post(path string, body interface{}) (string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &errResp) == nil && errResp.Error != "" {
			return "", fmt.Errorf("%s: %s", resp.Status, errResp.Error)
		}
		return "", fmt.Errorf("%s", resp.Status)
	}

	var view service.View
	if err := json.Unmarshal(raw, &view); err != nil {
		return "", fmt.Errorf("unmarshal view: %w", err)
	}
	return view.Execution.ExecutionID, nil
}

// Subscribe dials the view websocket of executionID.
func (c *Client) Subscribe(executionID string) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("parse addr: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws/executions/" + url.PathEscape(executionID)

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	c.conn = conn
	return nil
}

// ReadViews renders every view until the execution ends or the connection closes.
func (c *Client) ReadViews(finished chan<- struct{}) {
	defer close(finished)
	for {
		select {
		case <-c.done:
			return
		default:
			var msg service.ViewMessage
			if err := c.conn.ReadJSON(&msg); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					log.Printf("Read error: %v", err)
				}
				return
			}
			if msg.Type != service.TypeView || msg.View == nil {
				continue
			}
			render(os.Stdout, msg.View)
			if msg.View.Execution.Status.IsTerminal() {
				return
			}
		}
	}
}

var (
	dim    = color.New(color.Faint)
	bold   = color.New(color.Bold)
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
	cyan   = color.New(color.FgCyan)
)

func statusColor(status string) *color.Color {
	switch status {
	case string(domain.StepStatusCompleted):
		return green
	case string(domain.StepStatusRunning):
		return yellow
	case string(domain.StepStatusError), string(domain.ExecutionStatusCancelled):
		return red
	case string(domain.StepStatusSkipped):
		return cyan
	default:
		return dim
	}
}

func render(w io.Writer, view *service.View) {
	exec := view.Execution
	fmt.Fprintln(w)
	bold.Fprintf(w, "%s", exec.ExecutionID)
	fmt.Fprintf(w, "  %s  ", exec.Command)
	statusColor(string(exec.Status)).Fprintf(w, "%s", exec.Status)
	conn := string(view.Connection.State)
	if view.Connection.Lost {
		conn = "lost (reconnect required)"
	} else if view.Connection.RetryInMs > 0 {
		conn = fmt.Sprintf("%s in %dms (attempt %d)", conn, view.Connection.RetryInMs, view.Connection.Attempt)
	}
	dim.Fprintf(w, "  [%s]\n", conn)

	for _, step := range view.Steps {
		agent := step.Agent
		if len(step.LiveAgents) > 1 {
			agent = strings.Join(step.LiveAgents, ", ")
		}
		if agent == "" {
			agent = "-"
		}
		fmt.Fprintf(w, "  %d. %-14s %-32s ", step.Order, step.Layer, agent)
		statusColor(string(step.Status)).Fprintf(w, "%-10s", step.Status)
		if step.Duration != nil {
			dim.Fprintf(w, " %dms", *step.Duration)
		}
		fmt.Fprintln(w)
	}
	if view.PendingCompletions > 0 {
		dim.Fprintf(w, "  %d completion(s) waiting for their start\n", view.PendingCompletions)
	}
}

func main() {
	addr := flag.String("addr", "http://localhost:8095", "Tracker address")
	persona := flag.String("persona", "", "Persona to run as")
	command := flag.String("command", "", "Command to run")
	executionID := flag.String("execution", "", "Follow an existing execution instead of starting one")
	noColor := flag.Bool("no-color", false, "Disable colour output")
	flag.Parse()

	log.SetFlags(log.Ltime)
	if *noColor {
		color.NoColor = true
	}

	client := NewClient(*addr)
	defer client.Close()

	var (
		id  string
		err error
	)
	if *executionID != "" {
		id, err = client.Track(*executionID, *persona, *command)
	} else {
		if *persona == "" || *command == "" {
			log.Fatalf("-persona and -command are required to start an execution")
		}
		id, err = client.Start(*persona, *command)
	}
	if err != nil {
		log.Fatalf("Failed to track execution: %v", err)
	}

	fmt.Printf("Following %s via %s...\n", id, *addr)
	if err := client.Subscribe(id); err != nil {
		log.Fatalf("Failed to subscribe: %v", err)
	}

	finished := make(chan struct{})
	go client.ReadViews(finished)

	// Handle Ctrl+C
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	select {
	case <-interrupt:
		fmt.Println("\nInterrupted")
	case <-finished:
	}
}
