package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/danielpaulus/go-jitterbug/ios"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// DefaultHttpApiPort is the port on which we start the HTTP-Server for exposing the running tunnel
const DefaultHttpApiPort = 28200

// StatusInfo is the body of GET /tunnel.
type StatusInfo struct {
	Status Status `json:"status"`
	Peer   string `json:"peer,omitempty"`
	Config Config `json:"config"`
}

// Hosts is the body of GET /hosts.
type Hosts struct {
	Saved []ios.Peer `json:"saved"`
	Found []ios.Peer `json:"found"`
}

// APIController is the part of the Controller the status API needs.
type APIController interface {
	Status() Status
	Peer() string
	Config() Config
	Stop(ctx context.Context) error
}

// HostLister provides the peers for GET /hosts.
type HostLister interface {
	Saved() []ios.Peer
	Found() []ios.Peer
}

// NewAPIHandler creates the handler of the status API. The API has these endpoints:
// 1. GET localhost:{PORT}/tunnel		the tunnel status
// 2. POST localhost:{PORT}/tunnel/stop	stops the tunnel
// 3. GET localhost:{PORT}/hosts		saved and found peers
// 4. GET localhost:{PORT}/metrics		prometheus metrics of gatherer
func NewAPIHandler(c APIController, hosts HostLister, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/tunnel", func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodGet {
			http.Error(writer, "", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(writer, StatusInfo{Status: c.Status(), Peer: c.Peer(), Config: c.Config()})
	})
	mux.HandleFunc("/tunnel/stop", func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPost {
			http.Error(writer, "", http.StatusMethodNotAllowed)
			return
		}
		err := c.Stop(request.Context())
		if errors.Is(err, ErrNotConfigured) {
			http.Error(writer, err.Error(), http.StatusConflict)
			return
		}
		if err != nil {
			http.Error(writer, err.Error(), http.StatusInternalServerError)
			return
		}
		writer.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/hosts", func(writer http.ResponseWriter, request *http.Request) {
		if hosts == nil {
			http.Error(writer, "", http.StatusNotFound)
			return
		}
		writeJSON(writer, Hosts{Saved: hosts.Saved(), Found: hosts.Found()})
	})
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func writeJSON(writer http.ResponseWriter, v interface{}) {
	writer.Header().Add("Content-Type", "application/json")
	enc := json.NewEncoder(writer)
	if err := enc.Encode(v); err != nil {
		log.WithError(err).Debug("failed writing response")
	}
}

// ServeStatusAPI serves handler on localhost until ctx is done.
func ServeStatusAPI(ctx context.Context, handler http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.WithField("port", port).Info("serving tunnel status api")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ServeStatusAPI: failed to start http server: %w", err)
	}
	return nil
}

func apiURL(port int, path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
}

var apiClient = http.Client{
	Timeout: 5 * time.Second,
}

// TunnelStatusFromAPI asks a running tunnel for its status.
func TunnelStatusFromAPI(port int) (StatusInfo, error) {
	var info StatusInfo
	if err := getJSON(apiURL(port, "/tunnel"), &info); err != nil {
		return StatusInfo{}, fmt.Errorf("TunnelStatusFromAPI: %w", err)
	}
	return info, nil
}

// HostsFromAPI lists the peers known to a running tunnel.
func HostsFromAPI(port int) (Hosts, error) {
	var hosts Hosts
	if err := getJSON(apiURL(port, "/hosts"), &hosts); err != nil {
		return Hosts{}, fmt.Errorf("HostsFromAPI: %w", err)
	}
	return hosts, nil
}

// StopTunnelViaAPI asks a running tunnel to disconnect.
func StopTunnelViaAPI(port int) error {
	res, err := apiClient.Post(apiURL(port, "/tunnel/stop"), "application/json", nil)
	if err != nil {
		return fmt.Errorf("StopTunnelViaAPI: failed to reach tunnel api: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusConflict {
		return ErrNotConfigured
	}
	if res.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("StopTunnelViaAPI: unexpected status %d: %s", res.StatusCode, body)
	}
	return nil
}

func getJSON(url string, v interface{}) error {
	res, err := apiClient.Get(url)
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", url, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", res.StatusCode, body)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
