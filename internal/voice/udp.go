package voice

import (
	"context"
	"crypto/tls"
	"net"
	"sync"

	"github.com/pion/dtls/v3"
	"go.uber.org/zap"

	"speakeasy-server/internal/metrics"
)

// Listener owns the voice sockets. Plain UDP carries E2E-encrypted or
// already-protected frames; the optional DTLS listener terminates
// transport encryption on the server so the router sees cleartext frames
// for that path. A session's return address binds on its first accepted
// datagram.
type Listener struct {
	router *Router
	sugar  *zap.SugaredLogger

	conn *net.UDPConn

	addrMutex sync.RWMutex
	addrs     map[int64]*net.UDPAddr
	// DTLS sessions write back on their own connection
	dtlsConns map[int64]net.Conn
}

func NewListener(router *Router, sugar *zap.SugaredLogger) *Listener {
	listener := &Listener{
		router:    router,
		sugar:     sugar,
		addrs:     make(map[int64]*net.UDPAddr),
		dtlsConns: make(map[int64]net.Conn),
	}
	router.SetSendFunc(listener.sendTo)
	return listener
}

// Listen binds the plain UDP voice socket and serves it until the
// context is canceled. A bind failure is fatal for the process; the
// caller decides that.
func (l *Listener) Listen(ctx context.Context, address string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return err
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	l.conn = conn
	l.sugar.Infof("Voice UDP listening on %s", address)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, MaxDatagramSize+64)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			metrics.Inc("media.socket_errors")
			l.sugar.Error(err)
			return err
		}

		metrics.Add("media.bytes_received", int64(n))
		sessionID, ok := l.router.HandleDatagram(buf[:n])
		if ok {
			l.bindAddr(sessionID, addr)
		}
	}
}

// ListenDTLS serves the transport-encrypted path with pion's DTLS
// implementation. Each handshaken connection is one client's voice
// stream; the router sees cleartext frames on this path.
func (l *Listener) ListenDTLS(ctx context.Context, address string, certFile string, keyFile string) error {
	certificate, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return err
	}

	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return err
	}

	config := &dtls.Config{
		Certificates: []tls.Certificate{certificate},
	}

	listener, err := dtls.Listen("udp", udpAddr, config)
	if err != nil {
		return err
	}
	l.sugar.Infof("Voice DTLS listening on %s", address)

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
			metrics.Inc("media.socket_errors")
			return err
		}
		go l.serveDTLSConn(ctx, conn)
	}
}

func (l *Listener) serveDTLSConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var boundSession int64
	defer func() {
		if boundSession != 0 {
			l.addrMutex.Lock()
			if l.dtlsConns[boundSession] == conn {
				delete(l.dtlsConns, boundSession)
			}
			l.addrMutex.Unlock()
		}
	}()

	buf := make([]byte, MaxDatagramSize+64)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := conn.Read(buf)
		if err != nil {
			return
		}

		sessionID, ok := l.router.HandleDatagram(buf[:n])
		if ok && sessionID != boundSession {
			boundSession = sessionID
			l.addrMutex.Lock()
			l.dtlsConns[sessionID] = conn
			l.addrMutex.Unlock()
		}
	}
}

func (l *Listener) bindAddr(sessionID int64, addr *net.UDPAddr) {
	l.addrMutex.RLock()
	known, exists := l.addrs[sessionID]
	l.addrMutex.RUnlock()
	if exists && known.IP.Equal(addr.IP) && known.Port == addr.Port {
		return
	}

	l.addrMutex.Lock()
	l.addrs[sessionID] = addr
	l.addrMutex.Unlock()
}

// Release drops a session's endpoint binding on leave or disconnect.
func (l *Listener) Release(sessionID int64) {
	l.addrMutex.Lock()
	delete(l.addrs, sessionID)
	delete(l.dtlsConns, sessionID)
	l.addrMutex.Unlock()
}

// sendTo writes one datagram toward the session's bound endpoint, over
// its DTLS connection when one exists, otherwise plain UDP.
func (l *Listener) sendTo(sessionID int64, datagram []byte) {
	l.addrMutex.RLock()
	dtlsConn, hasDtls := l.dtlsConns[sessionID]
	addr, hasAddr := l.addrs[sessionID]
	l.addrMutex.RUnlock()

	if hasDtls {
		if _, err := dtlsConn.Write(datagram); err != nil {
			metrics.Inc("media.send_errors")
		}
		return
	}
	if !hasAddr || l.conn == nil {
		return
	}
	if _, err := l.conn.WriteToUDP(datagram, addr); err != nil {
		metrics.Inc("media.send_errors")
	}
}
