package scaleproto

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/scale-edge/internal/log"
)

const (
	registrationPrefix = "SCALE-"
	literalHeartbeat    = "HB"
	literalAckRequest   = "KONTROLLU AKTAR OK?"
)

// Parser recognizes scale-protocol packets at the head of per-connection
// buffers. It holds no behavior beyond byte recognition and decoding: for
// the same (socketID, chunk, forceGrams) inputs in the same order it always
// produces the same packet sequence.
type Parser struct {
	mu      sync.Mutex
	buffers map[string]*Buffer
	logger  zerolog.Logger
}

// NewParser creates a Parser with its own buffer map, keyed by socket ID.
func NewParser() *Parser {
	return &Parser{
		buffers: make(map[string]*Buffer),
		logger:  log.WithComponent("scaleproto"),
	}
}

// Release drops the buffer for a closed connection.
func (p *Parser) Release(socketID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.buffers, socketID)
}

func (p *Parser) bufferFor(socketID string) *Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buffers[socketID]
	if !ok {
		b = NewBuffer()
		p.buffers[socketID] = b
	}
	return b
}

// Parse appends chunk to the connection's buffer and extracts every packet
// recognizable at its head. forceGrams applies the per-device weight-decoding
// override (Design Notes open question) to any Weighing packets produced.
func (p *Parser) Parse(socketID string, chunk []byte, forceGrams bool) ([]Packet, []*ParseError) {
	buf := p.bufferFor(socketID)
	if truncated := buf.Append(chunk); truncated {
		p.logger.Warn().Str("socket_id", socketID).Msg("scale buffer overflow, truncated to tail half")
	}

	var packets []Packet
	var errs []*ParseError

	for {
		data := buf.Bytes()
		if len(data) == 0 {
			break
		}

		if num, needMore, consumed := tryRegistration(data); consumed > 0 {
			packets = append(packets, Packet{Kind: KindRegistration, ScaleNumber: num})
			buf.Consume(consumed)
			continue
		} else if needMore {
			break
		}

		if matched, needMore := matchLiteral(data, literalHeartbeat); matched {
			packets = append(packets, Packet{Kind: KindHeartbeat})
			buf.Consume(len(literalHeartbeat))
			continue
		} else if needMore {
			break
		}

		if matched, needMore := matchLiteral(data, literalAckRequest); matched {
			packets = append(packets, Packet{Kind: KindAckRequest})
			buf.Consume(len(literalAckRequest))
			continue
		} else if needMore {
			break
		}

		idx, delimLen := findNewline(data)
		if idx < 0 {
			break
		}

		line := string(data[:idx])
		consumeLen := idx + delimLen

		w, err := parseWeighingLine(line, forceGrams)
		if err != nil {
			pe := &ParseError{Line: line, Reason: err.Error()}
			errs = append(errs, pe)
			packets = append(packets, Packet{Kind: KindUnknown, UnknownReason: err.Error()})
		} else {
			packets = append(packets, Packet{Kind: KindWeighing, Weighing: w})
		}
		buf.Consume(consumeLen)
	}

	return packets, errs
}

// tryRegistration recognizes the 8-byte "SCALE-NN" literal at the buffer
// head. consumed > 0 means it matched and that many bytes should be
// dropped; needMore means the buffer is a prefix of a valid registration and
// the caller should wait for more bytes.
func tryRegistration(data []byte) (scaleNumber string, needMore bool, consumed int) {
	prefix := []byte(registrationPrefix)
	if len(data) < len(prefix) {
		if hasPrefixBytes(prefix, data) {
			return "", true, 0
		}
		return "", false, 0
	}
	if !hasPrefixBytes(data, prefix) {
		return "", false, 0
	}
	if len(data) < len(prefix)+2 {
		return "", true, 0
	}
	d0, d1 := data[len(prefix)], data[len(prefix)+1]
	if isDigit(d0) && isDigit(d1) {
		return string(data[len(prefix) : len(prefix)+2]), false, len(prefix) + 2
	}
	return "", false, 0
}

func matchLiteral(data []byte, literal string) (matched bool, needMore bool) {
	lit := []byte(literal)
	if len(data) < len(lit) {
		return false, hasPrefixBytes(lit, data)
	}
	return hasPrefixBytes(data, lit), false
}

func hasPrefixBytes(b, prefix []byte) bool {
	if len(prefix) > len(b) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

func findNewline(data []byte) (idx, delimLen int) {
	for i := 0; i < len(data); i++ {
		switch data[i] {
		case '\r':
			if i+1 < len(data) && data[i+1] == '\n' {
				return i, 2
			}
			return i, 1
		case '\n':
			return i, 1
		}
	}
	return -1, 0
}

// DecodeGrams applies the weight-decoding rule: values less than 1000 are
// deci-kilograms and are multiplied by 100 to obtain grams; values >= 1000
// are already grams. forceGrams bypasses the rule for devices known to
// legitimately report small gram values.
func DecodeGrams(raw int64, forceGrams bool) int64 {
	if forceGrams {
		return raw
	}
	if raw < 1000 {
		return raw * 100
	}
	return raw
}

func parseWeighingLine(line string, forceGrams bool) (*Weighing, error) {
	fields := strings.Split(line, ",")
	if len(fields) < 10 {
		return nil, fmt.Errorf("too few fields: got %d, need at least 10", len(fields))
	}

	timeStr := strings.TrimSpace(fields[1])
	dateStr := strings.TrimSpace(fields[2])
	scaleTime, err := time.Parse("02.01.2006 15:04:05", dateStr+" "+timeStr)
	if err != nil {
		return nil, fmt.Errorf("invalid date/time %q %q: %w", dateStr, timeStr, err)
	}

	barcode := strings.TrimSpace(fields[4])
	if !isAllDigits(barcode) || len(barcode) < 5 {
		return nil, fmt.Errorf("invalid barcode/plu field: %q", barcode)
	}

	gross, err := parseWeightField(fields[7])
	if err != nil {
		return nil, fmt.Errorf("invalid gross weight: %w", err)
	}
	tare, err := parseWeightField(fields[8])
	if err != nil {
		return nil, fmt.Errorf("invalid tare weight: %w", err)
	}
	net, err := parseWeightField(fields[9])
	if err != nil {
		return nil, fmt.Errorf("invalid net weight: %w", err)
	}

	var flags []string
	var company string
	if len(fields) > 10 {
		flags = fields[10 : len(fields)-1]
		company = strings.TrimSpace(fields[len(fields)-1])
	}

	return &Weighing{
		LegacyPLU:        strings.TrimSpace(fields[0]),
		ScaleTime:        scaleTime,
		ProductName:      strings.TrimSpace(fields[3]),
		Barcode:          barcode,
		PriceCode:        strings.TrimSpace(fields[5]),
		Operator:         strings.TrimSpace(fields[6]),
		GrossWeightGrams: DecodeGrams(gross, forceGrams),
		TareWeightGrams:  DecodeGrams(tare, forceGrams),
		NetWeightGrams:   DecodeGrams(net, forceGrams),
		Flags:            flags,
		CompanyName:      company,
		RawLine:          line,
	}, nil
}

func parseWeightField(field string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(field), 10, 64)
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
