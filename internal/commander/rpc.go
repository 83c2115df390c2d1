package commander

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"io"
	"net"

	"github.com/fxamacker/cbor/v2"
)

// The RPC binding carries schema-typed request/response pairs as
// length-prefixed CBOR frames over one connection. Requests and replies
// are correlated by id; replies may arrive pipelined in request order.

type rpcRequest struct {
	ID         uint64         `cbor:"id"`
	Op         string         `cbor:"op"`
	Credential string         `cbor:"credential,omitempty"`
	Args       map[string]any `cbor:"args,omitempty"`
}

type rpcResponse struct {
	ID    uint64 `cbor:"id"`
	Ok    bool   `cbor:"ok"`
	Error string `cbor:"error,omitempty"`
	Data  any    `cbor:"data,omitempty"`
}

const maxRpcFrame = 4 * 1024 * 1024

func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length == 0 || length > maxRpcFrame {
		return nil, errors.New("bad frame length")
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ServeRPC accepts CBOR-framed RPC connections until the context ends.
func (s *Service) ServeRPC(ctx context.Context, address string) error {
	var listener net.Listener
	var err error

	if s.cfg.TlsCert != "" && s.cfg.TlsKey != "" {
		certificate, err := tls.LoadX509KeyPair(s.cfg.TlsCert, s.cfg.TlsKey)
		if err != nil {
			return err
		}
		listener, err = tls.Listen("tcp", address, &tls.Config{Certificates: []tls.Certificate{certificate}})
		if err != nil {
			return err
		}
	} else {
		listener, err = net.Listen("tcp", address)
		if err != nil {
			return err
		}
	}
	s.sugar.Infof("Commander RPC listening on %s", address)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		go s.serveRPCConn(ctx, conn)
	}
}

func (s *Service) serveRPCConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	ip, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

	// the credential of the first authenticated request sticks to the
	// connection; later requests may omit it
	var principal *Principal

	respond := func(response rpcResponse) bool {
		payload, err := cbor.Marshal(response)
		if err != nil {
			s.sugar.Error(err)
			return false
		}
		return writeFrame(conn, payload) == nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, err := readFrame(conn)
		if err != nil {
			return
		}

		var request rpcRequest
		if err := cbor.Unmarshal(frame, &request); err != nil {
			// framing violation ends the connection
			return
		}

		if allowed, _ := s.limiter.AllowIP(ip); !allowed {
			if !respond(rpcResponse{ID: request.ID, Error: errorCode(errRateLimited)}) {
				return
			}
			continue
		}

		if request.Credential != "" {
			p, err := s.Authenticate(request.Credential)
			if err != nil {
				if !respond(rpcResponse{ID: request.ID, Error: errorCode(err)}) {
					return
				}
				continue
			}
			principal = &p
		}

		if request.Op == "login" {
			token, err := s.Login(stringArg(request.Args, "username"), stringArg(request.Args, "password"), ip)
			if err != nil {
				if !respond(rpcResponse{ID: request.ID, Error: errorCode(err)}) {
					return
				}
				continue
			}
			p, _ := s.Authenticate(token)
			principal = &p
			if !respond(rpcResponse{ID: request.ID, Ok: true, Data: map[string]any{"token": token}}) {
				return
			}
			continue
		}

		if principal == nil {
			if !respond(rpcResponse{ID: request.ID, Error: "unauthenticated"}) {
				return
			}
			continue
		}
		if principal.Via == "token" {
			if allowed, _ := s.limiter.AllowToken(principal.TokenID); !allowed {
				if !respond(rpcResponse{ID: request.ID, Error: errorCode(errRateLimited)}) {
					return
				}
				continue
			}
		}
		if expensiveOps[request.Op] {
			if allowed, _ := s.limiter.AllowExpensive(ip); !allowed {
				if !respond(rpcResponse{ID: request.ID, Error: errorCode(errRateLimited)}) {
					return
				}
				continue
			}
		}

		result, err := s.Dispatch(principal, request.Op, normalizeCborArgs(request.Args))
		if err != nil {
			if !respond(rpcResponse{ID: request.ID, Error: errorCode(err)}) {
				return
			}
			continue
		}
		if !respond(rpcResponse{ID: request.ID, Ok: true, Data: result}) {
			return
		}
	}
}

// normalizeCborArgs rewrites cbor's map[interface{}]interface{} values
// into the map[string]any shape the dispatch layer expects.
func normalizeCborArgs(args map[string]any) map[string]any {
	normalized := make(map[string]any, len(args))
	for key, value := range args {
		normalized[key] = normalizeCborValue(value)
	}
	return normalized
}

func normalizeCborValue(value any) any {
	switch v := value.(type) {
	case map[any]any:
		out := make(map[string]any, len(v))
		for key, inner := range v {
			if str, ok := key.(string); ok {
				out[str] = normalizeCborValue(inner)
			}
		}
		return out
	case map[string]any:
		return normalizeCborArgs(v)
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = normalizeCborValue(inner)
		}
		return out
	}
	return value
}
