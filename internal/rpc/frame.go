package rpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/multiformats/go-varint"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/aegis-sign/nip55-bridge/internal/transport"
	"github.com/aegis-sign/nip55-bridge/pkg/config"
	"github.com/aegis-sign/nip55-bridge/pkg/wire"
)

// 帧格式: [uvarint 长度][信封]。
// 请求信封: method (1, string), body (2, bytes)。
// 响应信封: code (1, varint), message (2, string), body (3, bytes)。
const (
	fieldReqMethod   protowire.Number = 1
	fieldReqBody     protowire.Number = 2
	fieldRespCode    protowire.Number = 1
	fieldRespMessage protowire.Number = 2
	fieldRespBody    protowire.Number = 3
)

// envelopeOverhead 为信封的 method、code、message 预留空间；MaxFrameSize 只约束消息体，与 gRPC 一致。
const envelopeOverhead = 4096

// frameLimit 返回整帧允许的最大长度。
func frameLimit(maxMsg int) int {
	if maxMsg <= 0 {
		return 0
	}
	return maxMsg + envelopeOverhead
}

type frameCodec struct {
	cfg     config.Config
	logger  *slog.Logger
	backoff transport.BackoffConfig
}

func newFrameCodec(cfg config.Config, logger *slog.Logger) *frameCodec {
	return &frameCodec{cfg: cfg, logger: logger, backoff: transport.DefaultBackoff()}
}

func (c *frameCodec) Name() string { return config.CodecFrame }

func (c *frameCodec) NewClient(conn net.Conn) (ClientConn, error) {
	return &frameClient{conn: conn, r: bufio.NewReader(conn), maxMsg: c.cfg.MaxFrameSize}, nil
}

type frameClient struct {
	mu     sync.Mutex
	conn   net.Conn
	r      *bufio.Reader
	maxMsg int
}

// Call 写一个请求帧并读回恰好一个响应帧。ctx 的截止时间与取消映射为连接 deadline。
func (c *frameClient) Call(ctx context.Context, method wire.Method, payload []byte) ([]byte, error) {
	// 超限请求在本地拒绝，不写任何字节，连接保持可用。
	if c.maxMsg > 0 && len(payload) > c.maxMsg {
		return nil, status.Errorf(codes.ResourceExhausted, "trying to send message larger than max (%d vs. %d)", len(payload), c.maxMsg)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Now()) })
	defer func() {
		if stop() {
			_ = c.conn.SetDeadline(time.Time{})
		}
	}()

	if err := writeFrame(c.conn, encodeRequest(method, payload), frameLimit(c.maxMsg)); err != nil {
		return nil, contextCause(ctx, err)
	}
	frame, err := readFrame(c.r, frameLimit(c.maxMsg))
	if err != nil {
		return nil, contextCause(ctx, err)
	}
	code, msg, body, err := decodeResponse(frame)
	if err != nil {
		return nil, err
	}
	if code != codes.OK {
		return nil, status.Error(code, msg)
	}
	return body, nil
}

func (c *frameClient) Close() error {
	return c.conn.Close()
}

// contextCause 在 ctx 已结束时把 deadline 导致的 I/O 错误归因到 ctx。
func contextCause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	return err
}

// Serve 接受连接并为每条连接启动独立的处理协程；同一连接上的请求按顺序处理。
func (c *frameCodec) Serve(ctx context.Context, lis net.Listener, h Handler) error {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		conns = make(map[net.Conn]struct{})
	)
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-serveCtx.Done()
		_ = lis.Close()
		mu.Lock()
		for conn := range conns {
			_ = conn.Close()
		}
		mu.Unlock()
	}()

	backoff := transport.NewBackoff(c.backoff)
	for {
		conn, err := lis.Accept()
		if err != nil {
			if serveCtx.Err() != nil || errors.Is(err, net.ErrClosed) {
				cancel()
				wg.Wait()
				return nil
			}
			delay := backoff.Next()
			c.logger.Warn("accept failed", slog.Any("err", err), slog.Duration("retry_in", delay))
			select {
			case <-time.After(delay):
				continue
			case <-serveCtx.Done():
				continue
			}
		}
		backoff.Reset()
		mu.Lock()
		// 关闭协程可能已经遍历过 conns，此后接受的连接由这里关闭。
		if serveCtx.Err() != nil {
			mu.Unlock()
			_ = conn.Close()
			continue
		}
		conns[conn] = struct{}{}
		mu.Unlock()
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.serveConn(serveCtx, conn, h)
			mu.Lock()
			delete(conns, conn)
			mu.Unlock()
		}()
	}
}

func (c *frameCodec) serveConn(ctx context.Context, conn net.Conn, h Handler) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	maxMsg := c.cfg.MaxFrameSize
	for {
		frame, err := readFrame(r, frameLimit(maxMsg))
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				c.logger.Debug("frame read failed", slog.Any("err", err))
			}
			return
		}
		resp := c.dispatch(ctx, frame, h)
		if err := writeFrame(conn, resp, frameLimit(maxMsg)); err != nil {
			c.logger.Debug("frame write failed", slog.Any("err", err))
			return
		}
	}
}

// dispatch 处理一个请求帧并返回响应信封。消息体超过 MaxFrameSize 时返回 ResourceExhausted。
func (c *frameCodec) dispatch(ctx context.Context, frame []byte, h Handler) []byte {
	maxMsg := c.cfg.MaxFrameSize
	method, body, err := decodeRequest(frame)
	if err != nil {
		return encodeResponse(codes.InvalidArgument, err.Error(), nil)
	}
	if maxMsg > 0 && len(body) > maxMsg {
		return encodeResponse(codes.ResourceExhausted,
			fmt.Sprintf("received message larger than max (%d vs. %d)", len(body), maxMsg), nil)
	}
	out, err := h.HandleRaw(ctx, method, body)
	if err != nil {
		st := status.Convert(err)
		return encodeResponse(st.Code(), truncateMessage(st.Message()), nil)
	}
	if maxMsg > 0 && len(out) > maxMsg {
		return encodeResponse(codes.ResourceExhausted,
			fmt.Sprintf("trying to send message larger than max (%d vs. %d)", len(out), maxMsg), nil)
	}
	return encodeResponse(codes.OK, "", out)
}

// truncateMessage 保证错误信息放得进信封预留空间。
func truncateMessage(msg string) string {
	const limit = envelopeOverhead / 2
	if len(msg) <= limit {
		return msg
	}
	return msg[:limit]
}

func writeFrame(w io.Writer, frame []byte, maxFrame int) error {
	if maxFrame > 0 && len(frame) > maxFrame {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(frame), maxFrame)
	}
	buf := make([]byte, 0, varint.UvarintSize(uint64(len(frame)))+len(frame))
	buf = append(buf, varint.ToUvarint(uint64(len(frame)))...)
	buf = append(buf, frame...)
	_, err := w.Write(buf)
	return err
}

func readFrame(r *bufio.Reader, maxFrame int) ([]byte, error) {
	size, err := varint.ReadUvarint(r)
	if err != nil {
		if errors.Is(err, varint.ErrOverflow) || errors.Is(err, varint.ErrNotMinimal) {
			return nil, fmt.Errorf("%w: length prefix: %v", ErrMalformedFrame, err)
		}
		return nil, err
	}
	if maxFrame > 0 && size > uint64(maxFrame) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, maxFrame)
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func encodeRequest(method wire.Method, body []byte) []byte {
	b := protowire.AppendTag(nil, fieldReqMethod, protowire.BytesType)
	b = protowire.AppendString(b, string(method))
	if len(body) > 0 {
		b = protowire.AppendTag(b, fieldReqBody, protowire.BytesType)
		b = protowire.AppendBytes(b, body)
	}
	return b
}

func decodeRequest(b []byte) (wire.Method, []byte, error) {
	var (
		method string
		body   []byte
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", nil, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldReqMethod && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return "", nil, fmt.Errorf("%w: method: %v", ErrMalformedFrame, protowire.ParseError(m))
			}
			method, n = v, m
		case num == fieldReqBody && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return "", nil, fmt.Errorf("%w: body: %v", ErrMalformedFrame, protowire.ParseError(m))
			}
			body, n = v, m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", nil, fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	if method == "" {
		return "", nil, fmt.Errorf("%w: missing method", ErrMalformedFrame)
	}
	return wire.Method(method), body, nil
}

func encodeResponse(code codes.Code, message string, body []byte) []byte {
	var b []byte
	if code != codes.OK {
		b = protowire.AppendTag(b, fieldRespCode, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(code))
	}
	if message != "" {
		b = protowire.AppendTag(b, fieldRespMessage, protowire.BytesType)
		b = protowire.AppendString(b, message)
	}
	if len(body) > 0 {
		b = protowire.AppendTag(b, fieldRespBody, protowire.BytesType)
		b = protowire.AppendBytes(b, body)
	}
	return b
}

func decodeResponse(b []byte) (codes.Code, string, []byte, error) {
	var (
		code    codes.Code
		message string
		body    []byte
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, "", nil, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldRespCode && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return 0, "", nil, fmt.Errorf("%w: code: %v", ErrMalformedFrame, protowire.ParseError(m))
			}
			code, n = codes.Code(v), m
		case num == fieldRespMessage && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return 0, "", nil, fmt.Errorf("%w: message: %v", ErrMalformedFrame, protowire.ParseError(m))
			}
			message, n = v, m
		case num == fieldRespBody && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return 0, "", nil, fmt.Errorf("%w: body: %v", ErrMalformedFrame, protowire.ParseError(m))
			}
			body, n = v, m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return 0, "", nil, fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	return code, message, body, nil
}
