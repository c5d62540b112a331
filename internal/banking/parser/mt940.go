package parser

import (
	"bufio"
	"bytes"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/bankrecon/internal/banking"
)

// MT940Parser reads SWIFT MT940 statements line by line.
type MT940Parser struct{}

// Format returns the parser format.
func (MT940Parser) Format() Format { return FormatMT940 }

// :61: value date, optional entry date, mark (C, D, RC, RD), optional funds code, amount.
var mt940Movement = regexp.MustCompile(`^(\d{6})(\d{4})?(RC|RD|C|D)([A-Z])?([\d,]+)`)

const mt940DescriptionLimit = 500

type mt940State struct {
	rows    []banking.Row
	current *banking.Row
	info    []string
	inInfo  bool
}

// Parse scans the statement; :61: opens a movement, :86: or :62 closes it.
func (MT940Parser) Parse(data []byte) ([]banking.Row, error) {
	st := &mt940State{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r ")
		isTag := strings.HasPrefix(line, ":") || mt940Trailer(line)
		if st.inInfo {
			if !isTag {
				st.info = append(st.info, strings.TrimSpace(line))
				continue
			}
			st.closeWithInfo()
		}
		switch {
		case strings.HasPrefix(line, ":61:"):
			st.flush()
			st.open(strings.TrimSpace(line[4:]))
		case st.current != nil && strings.HasPrefix(line, ":86"):
			info := strings.TrimPrefix(strings.TrimPrefix(line, ":86"), ":")
			st.info = []string{strings.TrimSpace(info)}
			st.inInfo = true
		case st.current != nil && strings.HasPrefix(line, ":62"):
			st.flush()
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if st.inInfo {
		st.closeWithInfo()
	}
	st.flush()
	return st.rows, nil
}

// A statement ends on a bare "-" or "-}"; other lines starting with "-" are text.
func mt940Trailer(line string) bool {
	switch strings.TrimSpace(line) {
	case "-", "-}":
		return true
	}
	return false
}

func (st *mt940State) open(content string) {
	m := mt940Movement.FindStringSubmatch(content)
	if m == nil {
		return
	}
	booked, ok := mt940Date(m[1])
	if !ok {
		return
	}
	amount, err := ParseAmount(m[5])
	if err != nil {
		return
	}
	direction := banking.DirectionIn
	switch m[3] {
	case "D", "RC":
		direction = banking.DirectionOut
	}
	st.current = &banking.Row{
		BookedAt:    booked,
		AmountMinor: abs64(amount),
		Currency:    banking.DefaultCurrency,
		Direction:   direction,
	}
}

func (st *mt940State) closeWithInfo() {
	st.inInfo = false
	if st.current == nil {
		return
	}
	info := strings.TrimSpace(strings.Join(st.info, " "))
	st.info = nil
	st.current.RemittanceInfo = info
	st.current.Description = truncateRunes(info, mt940DescriptionLimit)
	st.current.CounterpartyName = mt940Subfield(info, "NAME")
	st.current.CounterpartyIBAN = banking.NormalizeIBAN(mt940Subfield(info, "IBAN"))
	if e2e := mt940Subfield(info, "EREF"); e2e != "" && e2e != "NOTPROVIDED" {
		st.current.EndToEndID = e2e
	}
	st.flush()
}

func (st *mt940State) flush() {
	if st.current == nil {
		return
	}
	st.rows = append(st.rows, *st.current)
	st.current = nil
}

// mt940Date parses YYMMDD; two-digit years >= 50 map to 19xx, otherwise 20xx.
func mt940Date(raw string) (time.Time, bool) {
	if len(raw) != 6 {
		return time.Time{}, false
	}
	yy, err1 := strconv.Atoi(raw[0:2])
	mm, err2 := strconv.Atoi(raw[2:4])
	dd, err3 := strconv.Atoi(raw[4:6])
	if err1 != nil || err2 != nil || err3 != nil || mm < 1 || mm > 12 || dd < 1 || dd > 31 {
		return time.Time{}, false
	}
	year := 2000 + yy
	if yy >= 50 {
		year = 1900 + yy
	}
	return time.Date(year, time.Month(mm), dd, 0, 0, 0, 0, time.UTC), true
}

// mt940Subfield extracts /KEY/value from structured :86: text.
func mt940Subfield(info, key string) string {
	marker := "/" + key + "/"
	idx := strings.Index(info, marker)
	if idx < 0 {
		return ""
	}
	rest := info[idx+len(marker):]
	if end := strings.Index(rest, "/"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}
