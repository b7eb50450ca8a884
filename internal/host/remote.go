package host

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/standardbeagle/crema/internal/document"
)

// RemoteConnection talks to a generator bridge over newline-delimited
// JSON: requests carry an id and a method, responses echo the id, and
// unsolicited messages carry an event name.
type RemoteConnection struct {
	conn   net.Conn
	logger *zap.Logger

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan response
	closed  bool

	events chan Event
	wg     sync.WaitGroup
}

type request struct {
	ID     int64       `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

type response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	Event      string          `json:"event,omitempty"`
	DocumentID int             `json:"documentId,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// Dial connects to a generator bridge.
func Dial(addr string, logger *zap.Logger) (*RemoteConnection, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to host bridge %s: %w", addr, err)
	}
	rc := &RemoteConnection{
		conn:    conn,
		logger:  logger,
		pending: make(map[int64]chan response),
		events:  make(chan Event, 64),
	}
	rc.wg.Add(1)
	go rc.readLoop()
	return rc, nil
}

// Close tears the connection down; pending calls fail.
func (rc *RemoteConnection) Close() error {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return nil
	}
	rc.closed = true
	rc.mu.Unlock()
	err := rc.conn.Close()
	rc.wg.Wait()
	return err
}

func (rc *RemoteConnection) readLoop() {
	defer rc.wg.Done()
	defer close(rc.events)

	scanner := bufio.NewScanner(rc.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		var msg response
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			rc.logger.Warn("undecodable host message", zap.Error(err))
			continue
		}
		if msg.Event != "" {
			rc.events <- Event{Type: msg.Event, DocumentID: msg.DocumentID, Body: msg.Body}
			continue
		}
		rc.mu.Lock()
		ch := rc.pending[msg.ID]
		delete(rc.pending, msg.ID)
		rc.mu.Unlock()
		if ch != nil {
			ch <- msg
		}
	}

	// Connection gone: fail whatever is still waiting.
	rc.mu.Lock()
	for id, ch := range rc.pending {
		delete(rc.pending, id)
		ch <- response{Error: "connection closed"}
	}
	rc.mu.Unlock()
}

func (rc *RemoteConnection) call(ctx context.Context, method string, params interface{}, result interface{}) error {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return fmt.Errorf("host connection closed")
	}
	rc.nextID++
	id := rc.nextID
	ch := make(chan response, 1)
	rc.pending[id] = ch
	rc.mu.Unlock()

	payload, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	if _, err := rc.conn.Write(payload); err != nil {
		rc.mu.Lock()
		delete(rc.pending, id)
		rc.mu.Unlock()
		return fmt.Errorf("sending %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return fmt.Errorf("%s: %s", method, resp.Error)
		}
		if result != nil && len(resp.Result) > 0 {
			return json.Unmarshal(resp.Result, result)
		}
		return nil
	case <-ctx.Done():
		rc.mu.Lock()
		delete(rc.pending, id)
		rc.mu.Unlock()
		return ctx.Err()
	}
}

// Events implements Connection.
func (rc *RemoteConnection) Events() <-chan Event { return rc.events }

// GetDocumentInfo implements Connection.
func (rc *RemoteConnection) GetDocumentInfo(ctx context.Context, documentID int) (json.RawMessage, error) {
	var out json.RawMessage
	err := rc.call(ctx, "getDocumentInfo", map[string]int{"documentId": documentID}, &out)
	return out, err
}

// GetLayerExactBounds implements Connection.
func (rc *RemoteConnection) GetLayerExactBounds(ctx context.Context, documentID, layerID int) (document.Rect, error) {
	var out document.Rect
	err := rc.call(ctx, "getLayerExactBounds",
		map[string]int{"documentId": documentID, "layerId": layerID}, &out)
	return out, err
}

// GetPixmap implements Connection.
func (rc *RemoteConnection) GetPixmap(ctx context.Context, documentID, layerID int, settings *PixmapSettings) (*Pixmap, error) {
	var out struct {
		Pixmap
		Pixels []byte `json:"pixels"`
	}
	err := rc.call(ctx, "getPixmap", map[string]interface{}{
		"documentId": documentID,
		"layerId":    layerID,
		"settings":   settings,
	}, &out)
	if err != nil {
		return nil, err
	}
	pm := out.Pixmap
	pm.Pixels = out.Pixels
	return &pm, nil
}

// GetSVG implements Connection.
func (rc *RemoteConnection) GetSVG(ctx context.Context, documentID, layerID int, scale float64) (string, error) {
	var out string
	err := rc.call(ctx, "getSVG", map[string]interface{}{
		"documentId": documentID,
		"layerId":    layerID,
		"scale":      scale,
	}, &out)
	return out, err
}

// SavePixmap implements Connection.
func (rc *RemoteConnection) SavePixmap(ctx context.Context, pixmap *Pixmap, path string, settings *SaveSettings) error {
	return rc.call(ctx, "savePixmap", map[string]interface{}{
		"pixmap":   pixmap,
		"pixels":   pixmap.Pixels,
		"path":     path,
		"settings": settings,
	}, nil)
}

// GetDocumentSettings implements Connection.
func (rc *RemoteConnection) GetDocumentSettings(ctx context.Context, documentID int, pluginID string) (json.RawMessage, error) {
	var out json.RawMessage
	err := rc.call(ctx, "getDocumentSettings", map[string]interface{}{
		"documentId": documentID,
		"pluginId":   pluginID,
	}, &out)
	return out, err
}

// SetDocumentSettings implements Connection.
func (rc *RemoteConnection) SetDocumentSettings(ctx context.Context, documentID int, pluginID string, settings json.RawMessage) error {
	return rc.call(ctx, "setDocumentSettings", map[string]interface{}{
		"documentId": documentID,
		"pluginId":   pluginID,
		"settings":   settings,
	}, nil)
}
