package telemetry

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"

	"strzcam.com/blackbox/logging"
	"strzcam.com/blackbox/source"
)

// DialFunc opens the byte stream to the adapter.
type DialFunc func(port string, baud int) (io.ReadWriteCloser, error)

// DialSerial opens a serial port with go.bug.st/serial.
func DialSerial(port string, baud int) (io.ReadWriteCloser, error) {
	p, err := serial.Open(port, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	if err := p.SetReadTimeout(100 * time.Millisecond); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// OBD is a telemetry sample source.
type OBD struct {
	Port     string
	Baud     int
	Protocol string
	Interval time.Duration
	Timeout  time.Duration
	Dial     DialFunc
	// DataLog receives one line per record.
	DataLog *logging.Logger
	Logger  *logging.Logger
}

var _ source.Source[Record] = (*OBD)(nil)

// Open connects to the adapter and initialises it.
func (o *OBD) Open(ctx context.Context) (source.Handle[Record], error) {
	dial := o.Dial
	if dial == nil {
		dial = DialSerial
	}
	conn, err := dial(o.Port, o.Baud)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", o.Port, err)
	}
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	elm := NewELM327(conn, timeout)
	if err := elm.Init(o.Protocol); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialise adapter on %s: %w", o.Port, err)
	}
	logger := o.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logger.With("port", o.Port)
	logger.Info("car ready")
	return &obdHandle{ctx: ctx, conn: conn, elm: elm, interval: o.Interval, dataLog: o.DataLog, logger: logger}, nil
}

type obdHandle struct {
	ctx      context.Context
	conn     io.ReadWriteCloser
	elm      *ELM327
	interval time.Duration
	last     time.Time
	dataLog  *logging.Logger
	logger   *logging.Logger
}

// ReadNext polls every PID once, at most once per interval.
func (h *obdHandle) ReadNext() (Record, error) {
	if !h.last.IsZero() {
		if wait := h.interval - time.Since(h.last); wait > 0 {
			select {
			case <-time.After(wait):
			case <-h.ctx.Done():
				return nil, h.ctx.Err()
			}
		}
	}
	h.last = time.Now()

	record := make(Record, len(PIDs))
	failures := 0
	for _, pid := range PIDs {
		v, err := h.elm.Query(pid)
		if err != nil {
			failures++
			h.logger.Debug("query failed", "pid", pid.Code, "error", err.Error())
			continue
		}
		record[pid.Name] = v
	}
	if failures == len(PIDs) {
		return nil, fmt.Errorf("adapter answered none of %d queries", len(PIDs))
	}
	if h.dataLog != nil {
		h.dataLog.Info("telemetry", record.Attrs()...)
	}
	return record, nil
}

func (h *obdHandle) Close() error {
	return h.conn.Close()
}
