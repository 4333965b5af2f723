package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// seedStream expands one oracle value into a stream of uniform integers by
// chaining HMAC-SHA256 blocks keyed with the value.
type seedStream struct {
	key     []byte
	label   string
	counter uint64
	buf     []byte
}

func newSeedStream(value [32]byte, label string) *seedStream {
	return &seedStream{key: value[:], label: label}
}

func (s *seedStream) next() uint64 {
	if len(s.buf) < 8 {
		mac := hmac.New(sha256.New, s.key)
		mac.Write([]byte(s.label))
		var ctr [8]byte
		binary.BigEndian.PutUint64(ctr[:], s.counter)
		mac.Write(ctr[:])
		s.buf = mac.Sum(nil)
		s.counter++
	}
	v := binary.BigEndian.Uint64(s.buf[:8])
	s.buf = s.buf[8:]
	return v
}

// intn returns a uniform value in [0, n) using rejection sampling.
func (s *seedStream) intn(n int) int {
	if n <= 1 {
		return 0
	}
	bound := uint64(n)
	limit := math.MaxUint64 - math.MaxUint64%bound
	for {
		v := s.next()
		if v < limit {
			return int(v % bound)
		}
	}
}

// shuffledCells returns 1..n in an order fixed by the stream.
func shuffledCells(s *seedStream, n int) []int {
	cells := make([]int, n)
	for i := range cells {
		cells[i] = i + 1
	}
	for i := n - 1; i > 0; i-- {
		j := s.intn(i + 1)
		cells[i], cells[j] = cells[j], cells[i]
	}
	return cells
}
