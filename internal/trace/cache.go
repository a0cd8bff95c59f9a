package trace

import (
	"github.com/heaptrace/heaptrace/internal/buf"
)

// The backtrace cache is a direct-mapped array of 2^14 buckets. Each bucket
// holds the location identifier cached there, the allocation identifier that
// most recently used it, and a predicted successor bucket. A location hashes
// to two candidate buckets; on a miss the candidate with the older date is
// evicted.
//
// The wire form of a coded stack suffix is a u16 count followed by that many
// codewords:
//
//	u16 codeword = bucket:14 | tag:2
//	  tag 0  hit, no predicted frames follow
//	  tag 1  hit, exactly one predicted frame follows
//	  tag 2  hit, u8 run of predicted frames follows
//	  tag 3  miss, u64 literal location identifier follows
//
// The reader owns an identical cache and replays the codewords, so both
// sides make the same eviction and prediction decisions without any
// negotiation.
const (
	cacheBits = 14
	cacheSize = 1 << cacheBits

	tagHit0 = 0
	tagHit1 = 1
	tagHitN = 2
	tagMiss = 3

	// maxRun is the saturation point of the 8-bit predicted-run counter.
	maxRun = 255
)

// Two distinct odd multipliers disperse aligned addresses across buckets.
const (
	hashMul1 = 0x9e3779b97f4a7c15
	hashMul2 = 0xc2b2ae3d27d4eb4f
)

func bucket1(id uint64) uint16 { return uint16(id * hashMul1 >> (64 - cacheBits)) }
func bucket2(id uint64) uint16 { return uint16(id * hashMul2 >> (64 - cacheBits)) }

type btCache struct {
	loc  [cacheSize]uint64
	date [cacheSize]uint64
	next [cacheSize]uint16
}

// lookup finds id's bucket. On a miss it installs id into whichever of the
// two candidate buckets carries the older date and reports hit=false.
func (c *btCache) lookup(id uint64) (bucket uint16, hit bool) {
	h1, h2 := bucket1(id), bucket2(id)
	switch {
	case c.loc[h1] == id:
		return h1, true
	case c.loc[h2] == id:
		return h2, true
	}
	bucket = h1
	if c.date[h2] < c.date[h1] {
		bucket = h2
	}
	c.loc[bucket] = id
	return bucket, false
}

// encodeSuffix writes the codewords for frames, oldest new frame first. date
// is the allocation identifier of the event being encoded; it stamps every
// bucket touched. onMiss is invoked once per emitted miss with the literal
// identifier, before the codeword is written. The caller writes (and later
// back-patches) the leading ncodes field; encodeSuffix returns the count.
func (c *btCache) encodeSuffix(b *buf.Buffer, frames []uint64, date uint64, onMiss func(uint64) error) (int, error) {
	ncodes := 0
	predictor := uint16(0)
	for i := 0; i < len(frames); {
		id := frames[i]
		bucket, hit := c.lookup(id)
		c.date[bucket] = date
		c.next[predictor] = bucket

		if !hit {
			if onMiss != nil {
				if err := onMiss(id); err != nil {
					return ncodes, err
				}
			}
			if err := b.PutU16(bucket<<2 | tagMiss); err != nil {
				return ncodes, err
			}
			if err := b.PutU64(id); err != nil {
				return ncodes, err
			}
			ncodes++
			predictor = bucket
			i++
			continue
		}

		// Greedy prediction extension: follow the next-bucket chain while it
		// keeps agreeing with the upcoming frames, up to counter saturation.
		run := 0
		last := bucket
		for i+1+run < len(frames) && run < maxRun {
			nb := c.next[last]
			if c.loc[nb] != frames[i+1+run] {
				break
			}
			last = nb
			c.date[nb] = date
			run++
		}

		var err error
		switch run {
		case 0:
			err = b.PutU16(bucket<<2 | tagHit0)
		case 1:
			err = b.PutU16(bucket<<2 | tagHit1)
		default:
			if err = b.PutU16(bucket<<2 | tagHitN); err == nil {
				err = b.PutU8(uint8(run))
			}
		}
		if err != nil {
			return ncodes, err
		}
		ncodes++
		predictor = last
		i += 1 + run
	}
	return ncodes, nil
}

// decodeSuffix replays ncodes codewords, appending the reconstructed frames
// to dst and mirroring every cache update the encoder made. onMiss, when
// non-nil, is invoked with each literal identifier.
func (c *btCache) decodeSuffix(b *buf.Buffer, ncodes int, date uint64, dst []uint64, onMiss func(uint64) error) ([]uint64, error) {
	predictor := uint16(0)
	for k := 0; k < ncodes; k++ {
		code, err := b.U16()
		if err != nil {
			return dst, err
		}
		bucket := code >> 2
		tag := code & 3

		if tag == tagMiss {
			id, err := b.U64()
			if err != nil {
				return dst, err
			}
			c.loc[bucket] = id
			c.date[bucket] = date
			c.next[predictor] = bucket
			predictor = bucket
			dst = append(dst, id)
			if onMiss != nil {
				if err := onMiss(id); err != nil {
					return dst, err
				}
			}
			continue
		}

		run := 0
		switch tag {
		case tagHit1:
			run = 1
		case tagHitN:
			n, err := b.U8()
			if err != nil {
				return dst, err
			}
			run = int(n)
		}

		c.date[bucket] = date
		c.next[predictor] = bucket
		dst = append(dst, c.loc[bucket])
		last := bucket
		for j := 0; j < run; j++ {
			last = c.next[last]
			c.date[last] = date
			dst = append(dst, c.loc[last])
		}
		predictor = last
	}
	return dst, nil
}
