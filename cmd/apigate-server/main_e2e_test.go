package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"go.uber.org/goleak"

	"github.com/apigate/apigate/pkg/token"
)

func mockedUpstream(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(token.LoginPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode login request: %v", err)
		}
		if req.Username != "admin" || req.Password != token.DeriveCredential("password") {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"msg":"invalid credentials"}`)
			return
		}
		fmt.Fprint(w, `{"data":{"token":"e2e-token","expires_in":3600}}`)
	})

	mux.HandleFunc("/api/v1/users", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Token"); got != "e2e-token" {
			t.Errorf("expected X-Token e2e-token, got %q", got)
		}
		if got := r.Header.Get("App-Key"); got != "app-key-e2e" {
			t.Errorf("expected App-Key app-key-e2e, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":[{"name":"alice"}]}`)
	})

	return mux
}

func TestServerProxiesWithInjectedCredentials(t *testing.T) {
	defer goleak.VerifyNone(t)

	t.Setenv("UPSTREAM_USERNAME", "admin")
	t.Setenv("UPSTREAM_PASSWORD", "password")
	t.Setenv("UPSTREAM_APP_KEY", "app-key-e2e")

	upstream := httptest.NewServer(mockedUpstream(t))
	defer upstream.Close()

	ext, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	internal, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer func() {
		cancel()
		wg.Wait()
	}()

	opts := defaultOpts()
	opts.Upstream = upstream.URL
	opts.LogLevel = "error"
	opts.Logger = log.NewNopLogger()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := opts.Run(ctx, ext, internal); !errors.Is(err, context.Canceled) {
			t.Error(err)
		}
	}()

	// Wait for the server to start by pinging it.
	client := &http.Client{}
	defer client.CloseIdleConnections()
	for i := 0; i < 30; i++ {
		time.Sleep(100 * time.Millisecond)

		res, err := client.Get("http://" + ext.Addr().String() + "/healthz")
		if err != nil {
			continue
		}
		res.Body.Close()
		if res.StatusCode == http.StatusOK {
			break
		}
	}

	resp, err := client.Get("http://" + ext.Addr().String() + "/proxy/api/v1/users")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.StatusCode, string(body))
	}
	if got := resp.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("expected a JSON response, got %q", got)
	}

	var payload struct {
		Data []struct {
			Name string `json:"name"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if len(payload.Data) != 1 || payload.Data[0].Name != "alice" {
		t.Errorf("unexpected relayed payload: %s", string(body))
	}
}
