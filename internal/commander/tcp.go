package commander

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strings"
)

// The line binding speaks one command per line:
//
//	login username=admin password=secret
//	usetoken token=sk_...
//	channellist
//	clientkick sessionID=123 reason=spam
//
// Values escape spaces as \s, backslashes as \\ and newlines as \n.
// Every command is answered by zero or more data lines followed by the
// trailer "error id=0 msg=ok" (or a non-zero id with the error code).

func escapeValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, " ", `\s`)
	v = strings.ReplaceAll(v, "\n", `\n`)
	return v
}

func unescapeValue(v string) string {
	var out strings.Builder
	for i := 0; i < len(v); i++ {
		if v[i] != '\\' || i+1 >= len(v) {
			out.WriteByte(v[i])
			continue
		}
		i++
		switch v[i] {
		case 's':
			out.WriteByte(' ')
		case 'n':
			out.WriteByte('\n')
		case '\\':
			out.WriteByte('\\')
		default:
			out.WriteByte(v[i])
		}
	}
	return out.String()
}

// parseLine splits "verb key=value key=value" into the op name and args.
func parseLine(line string) (string, map[string]any, error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("empty command")
	}

	args := map[string]any{}
	for _, field := range fields[1:] {
		key, value, found := strings.Cut(field, "=")
		if !found || key == "" {
			return "", nil, fmt.Errorf("malformed parameter %q", field)
		}
		args[key] = unescapeValue(value)
	}
	return strings.ToLower(fields[0]), args, nil
}

// formatResult renders a dispatch result as space-separated key=value
// lines, one line per list item, the line protocol's list shape.
func formatResult(result any) []string {
	if result == nil {
		return nil
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return nil
	}

	var generic any
	if err := json.Unmarshal(encoded, &generic); err != nil {
		return nil
	}

	switch v := generic.(type) {
	case []any:
		lines := []string{}
		for _, item := range v {
			lines = append(lines, formatItem(item))
		}
		return lines
	default:
		return []string{formatItem(generic)}
	}
}

func formatItem(item any) string {
	object, ok := item.(map[string]any)
	if !ok {
		return escapeValue(fmt.Sprint(item))
	}

	parts := []string{}
	for _, key := range sortedKeys(object) {
		value := object[key]
		switch value.(type) {
		case map[string]any, []any:
			nested, _ := json.Marshal(value)
			parts = append(parts, key+"="+escapeValue(string(nested)))
		default:
			parts = append(parts, key+"="+escapeValue(fmt.Sprint(value)))
		}
	}
	return strings.Join(parts, " ")
}

func sortedKeys(object map[string]any) []string {
	keys := make([]string, 0, len(object))
	for key := range object {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// ServeTCP accepts line-protocol connections until the context ends.
// TLS is applied when material is configured.
func (s *Service) ServeTCP(ctx context.Context, address string) error {
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
	s.sugar.Infof("Commander TCP listening on %s", address)

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
		go s.serveTCPConn(ctx, conn)
	}
}

func (s *Service) serveTCPConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	ip, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	writer := bufio.NewWriter(conn)

	writeLine := func(line string) {
		writer.WriteString(line + "\n")
	}
	writeTrailer := func(err error) {
		if err == nil {
			writeLine("error id=0 msg=ok")
		} else {
			writeLine(fmt.Sprintf("error id=1 msg=%s detail=%s", errorCode(err), escapeValue(err.Error())))
		}
		writer.Flush()
	}

	writeLine("speakeasy commander")
	writer.Flush()

	var principal *Principal

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if allowed, _ := s.limiter.AllowIP(ip); !allowed {
			writeTrailer(errRateLimited)
			continue
		}

		op, args, err := parseLine(scanner.Text())
		if err != nil {
			writeTrailer(errBadRequest)
			continue
		}

		switch op {
		case "quit":
			writeTrailer(nil)
			return

		case "login":
			token, err := s.Login(stringArg(args, "username"), stringArg(args, "password"), ip)
			if err != nil {
				writeTrailer(err)
				continue
			}
			p, err := s.Authenticate(token)
			if err != nil {
				writeTrailer(err)
				continue
			}
			principal = &p
			writeLine("token=" + escapeValue(token))
			writeTrailer(nil)

		case "usetoken":
			p, err := s.Authenticate(stringArg(args, "token"))
			if err != nil {
				writeTrailer(err)
				continue
			}
			principal = &p
			writeTrailer(nil)

		default:
			if principal == nil {
				writeTrailer(fmt.Errorf("%w: login first", errForbidden))
				continue
			}
			if principal.Via == "token" {
				if allowed, _ := s.limiter.AllowToken(principal.TokenID); !allowed {
					writeTrailer(errRateLimited)
					continue
				}
			}
			if expensiveOps[op] {
				if allowed, _ := s.limiter.AllowExpensive(ip); !allowed {
					writeTrailer(errRateLimited)
					continue
				}
			}

			result, err := s.Dispatch(principal, op, args)
			if err != nil {
				writeTrailer(err)
				continue
			}
			for _, line := range formatResult(result) {
				writeLine(line)
			}
			writeTrailer(nil)
		}
	}
}
