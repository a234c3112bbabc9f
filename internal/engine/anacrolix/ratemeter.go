package anacrolix

import "time"

const rateHistorySize = 10

// rateMeter turns cumulative byte counters into smoothed per-second rates.
type rateMeter struct {
	lastRead    int64
	lastWritten int64
	lastAt      time.Time
	history     []int64
	lastDown    int64
	lastUp      int64
}

func (m *rateMeter) sample(now time.Time, read, written int64) (down, up int64) {
	if m.lastAt.IsZero() {
		m.lastRead, m.lastWritten, m.lastAt = read, written, now
		return 0, 0
	}
	elapsed := now.Sub(m.lastAt).Seconds()
	if elapsed <= 0 {
		return m.lastDown, m.lastUp
	}

	readDelta := read - m.lastRead
	writtenDelta := written - m.lastWritten
	m.lastRead, m.lastWritten, m.lastAt = read, written, now

	if readDelta > 0 {
		m.history = append(m.history, int64(float64(readDelta)/elapsed))
		if len(m.history) > rateHistorySize {
			m.history = m.history[1:]
		}
		var sum int64
		for _, s := range m.history {
			sum += s
		}
		m.lastDown = sum / int64(len(m.history))
	} else {
		m.history = m.history[:0]
		m.lastDown = 0
	}

	if writtenDelta > 0 {
		m.lastUp = int64(float64(writtenDelta) / elapsed)
	} else {
		m.lastUp = 0
	}
	return m.lastDown, m.lastUp
}
