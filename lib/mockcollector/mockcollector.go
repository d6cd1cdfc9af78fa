// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mockcollector

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/beacon/lib/upload"
)

// maxBodySize bounds both the compressed and the decoded upload body.
const maxBodySize = 8 << 20

// Upload is one accepted request.
type Upload struct {
	Compression upload.Compression
	Envelope    upload.Envelope
}

// Status is the body of GET /status.
type Status struct {
	PolicyFetches uint64 `json:"policy_fetches"`
	Uploads       int    `json:"uploads"`
	Events        int    `json:"events"`
	Rejected      uint64 `json:"rejected"`
	Malformed     uint64 `json:"malformed"`
}

// Collector stores uploads in memory. Safe for concurrent use.
type Collector struct {
	logger *slog.Logger

	mu             sync.Mutex
	policyDocument []byte
	uploadStatus   int
	uploads        []Upload

	policyFetches atomic.Uint64
	rejected      atomic.Uint64
	malformed     atomic.Uint64

	// subscriberMu protects subscribers. Uploads fan out under RLock.
	subscriberMu sync.RWMutex
	subscribers  []chan Upload
}

// New returns a collector serving an empty policy and acknowledging
// every upload with 200.
func New(logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Collector{
		logger:         logger,
		policyDocument: []byte("{}"),
		uploadStatus:   http.StatusOK,
	}
}

// Handler returns the HTTP routes.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /policy", c.handlePolicy)
	mux.HandleFunc("POST /upload", c.handleUpload)
	mux.HandleFunc("GET /status", c.handleStatus)
	return mux
}

// SetPolicy replaces the policy document served by GET /policy. The
// document is served verbatim, so malformed documents can be tested.
func (c *Collector) SetPolicy(document []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policyDocument = append([]byte(nil), document...)
}

// SetUploadStatus makes POST /upload answer status after decoding.
// Uploads answered with a non-2xx status are counted as rejected and
// not stored.
func (c *Collector) SetUploadStatus(status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploadStatus = status
}

// Uploads returns the accepted uploads in arrival order.
func (c *Collector) Uploads() []Upload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Upload(nil), c.uploads...)
}

// Events returns every accepted event, decoded, in arrival order.
func (c *Collector) Events() []map[string]any {
	var events []map[string]any
	for _, accepted := range c.Uploads() {
		for _, raw := range accepted.Envelope.Events {
			var decoded map[string]any
			if err := json.Unmarshal(raw, &decoded); err != nil {
				continue
			}
			events = append(events, decoded)
		}
	}
	return events
}

// Status returns the current counters.
func (c *Collector) Status() Status {
	c.mu.Lock()
	uploads := len(c.uploads)
	events := 0
	for _, accepted := range c.uploads {
		events += len(accepted.Envelope.Events)
	}
	c.mu.Unlock()

	return Status{
		PolicyFetches: c.policyFetches.Load(),
		Uploads:       uploads,
		Events:        events,
		Rejected:      c.rejected.Load(),
		Malformed:     c.malformed.Load(),
	}
}

// Subscribe returns a channel receiving each accepted upload and a
// function that removes the subscription. Uploads are dropped for a
// subscriber whose buffer is full.
func (c *Collector) Subscribe() (<-chan Upload, func()) {
	channel := make(chan Upload, 16)
	c.subscriberMu.Lock()
	c.subscribers = append(c.subscribers, channel)
	c.subscriberMu.Unlock()

	var once sync.Once
	return channel, func() {
		once.Do(func() {
			c.subscriberMu.Lock()
			defer c.subscriberMu.Unlock()
			for i, existing := range c.subscribers {
				if existing == channel {
					c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
					break
				}
			}
		})
	}
}

func (c *Collector) notifySubscribers(accepted Upload) {
	c.subscriberMu.RLock()
	defer c.subscriberMu.RUnlock()

	for _, subscriber := range c.subscribers {
		select {
		case subscriber <- accepted:
		default:
		}
	}
}

func (c *Collector) handlePolicy(writer http.ResponseWriter, request *http.Request) {
	c.policyFetches.Add(1)
	c.mu.Lock()
	document := c.policyDocument
	c.mu.Unlock()

	c.logger.Debug("policy fetched", "app_id", request.URL.Query().Get("app_id"))
	writer.Header().Set("Content-Type", "application/json")
	writer.Write(document)
}

func (c *Collector) handleUpload(writer http.ResponseWriter, request *http.Request) {
	compression, err := upload.ParseCompression(request.Header.Get("Content-Encoding"))
	if err != nil {
		c.malformed.Add(1)
		http.Error(writer, err.Error(), http.StatusUnsupportedMediaType)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(request.Body, maxBodySize+1))
	if err != nil {
		c.malformed.Add(1)
		http.Error(writer, "reading body", http.StatusBadRequest)
		return
	}
	if len(raw) > maxBodySize {
		c.malformed.Add(1)
		http.Error(writer, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	body, err := upload.Decompress(raw, compression, maxBodySize)
	if err != nil {
		c.malformed.Add(1)
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}
	envelope, err := upload.DecodeEnvelope(body)
	if err != nil {
		c.malformed.Add(1)
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}

	c.mu.Lock()
	status := c.uploadStatus
	if status < 200 || status > 299 {
		c.mu.Unlock()
		c.rejected.Add(1)
		c.logger.Info("upload rejected", "upload_id", envelope.UploadID, "status", status)
		http.Error(writer, "rejected by mock collector", status)
		return
	}
	accepted := Upload{Compression: compression, Envelope: envelope}
	c.uploads = append(c.uploads, accepted)
	c.mu.Unlock()

	c.logger.Info("upload accepted",
		"upload_id", envelope.UploadID,
		"events", len(envelope.Events),
		"compression", compression,
		"bytes", len(raw),
	)
	c.notifySubscribers(accepted)
	writer.WriteHeader(status)
}

func (c *Collector) handleStatus(writer http.ResponseWriter, _ *http.Request) {
	writer.Header().Set("Content-Type", "application/json")
	json.NewEncoder(writer).Encode(c.Status())
}
