package wsclient

import (
	"context"
	"net"
	"net/url"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Socket is the client's transport abstraction. The default implementation
// wraps a gobwas/ws connection; tests substitute an in-memory pair.
type Socket interface {
	// ReadMessage blocks for the next text frame.
	ReadMessage() ([]byte, error)

	// WriteMessage writes one text frame.
	WriteMessage(data []byte) error

	Close() error
}

// DialFunc establishes one connection attempt.
type DialFunc func(ctx context.Context, rawURL string, protocols []string) (Socket, error)

type gobwasSocket struct {
	conn net.Conn
}

func (s *gobwasSocket) ReadMessage() ([]byte, error) {
	data, err := wsutil.ReadServerText(s.conn)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *gobwasSocket) WriteMessage(data []byte) error {
	return wsutil.WriteClientMessage(s.conn, ws.OpText, data)
}

func (s *gobwasSocket) Close() error { return s.conn.Close() }

func dialGobwas(ctx context.Context, rawURL string, protocols []string) (Socket, error) {
	dialer := ws.Dialer{Protocols: protocols}
	conn, _, _, err := dialer.Dial(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return &gobwasSocket{conn: conn}, nil
}

// attachAuth applies the auth options to one connect attempt, returning the
// effective URL and subprotocol list.
func attachAuth(ctx context.Context, opts Options) (string, []string, error) {
	rawURL := opts.URL
	protocols := opts.Protocols

	if opts.Auth == nil || opts.Auth.GetToken == nil {
		return rawURL, protocols, nil
	}

	token, err := opts.Auth.GetToken(ctx)
	if err != nil {
		return "", nil, err
	}

	switch opts.Auth.Attach {
	case AuthAttachProtocol:
		entry := opts.Auth.ProtocolPrefix + token
		if opts.Auth.ProtocolPrepend {
			protocols = append([]string{entry}, protocols...)
		} else {
			protocols = append(append([]string{}, protocols...), entry)
		}
	default:
		u, err := url.Parse(rawURL)
		if err != nil {
			return "", nil, err
		}
		q := u.Query()
		q.Set(opts.Auth.QueryParam, token)
		u.RawQuery = q.Encode()
		rawURL = u.String()
	}
	return rawURL, protocols, nil
}
