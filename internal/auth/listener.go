package auth

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"
)

// callbackResult is what the browser redirect delivered to the loopback
// listener: either an authorization code or the provider's error string.
type callbackResult struct {
	code    string
	errCode string
	errDesc string
}

// callbackServer is the short-lived loopback HTTP listener awaiting the
// OAuth redirect. Only /callback is served; everything else is 404.
type callbackServer struct {
	srv    *http.Server
	ln     net.Listener
	port   int
	result chan callbackResult
}

const callbackPage = `<!DOCTYPE html>
<html>
<head><title>Berth</title></head>
<body>
<p>Login complete. You can close this window.</p>
<script>window.close();</script>
</body>
</html>`

// startCallbackServer binds the loopback listener on the given port and
// serves /callback until closed. Port 0 picks a free port.
func startCallbackServer(port int) (*callbackServer, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("auth: bind loopback listener: %w", err)
	}

	cs := &callbackServer{
		ln:     ln,
		port:   ln.Addr().(*net.TCPAddr).Port,
		result: make(chan callbackResult, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", cs.handleCallback)
	cs.srv = &http.Server{Handler: mux}

	go func() {
		if err := cs.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[Auth] Callback listener error: %v", err)
		}
	}()
	return cs, nil
}

func (cs *callbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res := callbackResult{
		code:    q.Get("code"),
		errCode: q.Get("error"),
		errDesc: q.Get("error_description"),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, callbackPage)

	// Only the first redirect counts; duplicates are served the page but
	// dropped.
	select {
	case cs.result <- res:
	default:
	}
}

// redirectURI returns the loopback redirect URI advertised to the provider.
func (cs *callbackServer) redirectURI() string {
	return fmt.Sprintf("http://127.0.0.1:%d/callback", cs.port)
}

// close tears the listener down, bounding the shutdown so an abandoned
// login never wedges the next one.
func (cs *callbackServer) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := cs.srv.Shutdown(ctx); err != nil {
		cs.srv.Close()
	}
}
