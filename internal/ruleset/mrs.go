package ruleset

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"
	"net/netip"
	"sort"

	"github.com/klauspost/compress/zstd"
	"go4.org/netipx"

	"github.com/John-Robertt/policy-compiler/internal/model"
	"github.com/John-Robertt/policy-compiler/internal/rules"
)

// MRS is the kernel's binary ruleset format: a zstd stream holding
// "MRS\x01", a behavior byte, an int64 entry count, an int64 length of
// extra data plus the data itself, then the behavior's set encoding.
var mrsMagic = [4]byte{'M', 'R', 'S', 1}

// maxMRSDecoded bounds the decompressed size of one file.
const maxMRSDecoded = 128 << 20

const (
	mrsDomain    byte = 0
	mrsIPCIDR    byte = 1
	mrsClassical byte = 2
)

func mrsBehavior(b byte) (model.RulesetBehavior, bool) {
	switch b {
	case mrsDomain:
		return model.BehaviorDomain, true
	case mrsIPCIDR:
		return model.BehaviorIPCIDR, true
	case mrsClassical:
		return model.BehaviorClassical, true
	}
	return "", false
}

func parseMRS(raw []byte, want model.RulesetBehavior) (Matcher, int, error) {
	zr, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(maxMRSDecoded))
	if err != nil {
		return nil, 0, parseErr(CodeParse, "mrs 解压失败", 0, "", err)
	}
	defer zr.Close()
	data, err := zr.DecodeAll(raw, nil)
	if err != nil {
		return nil, 0, parseErr(CodeParse, "mrs 解压失败", 0, "", err)
	}
	// Every length below is checked against the bytes left in r.
	r := bytes.NewReader(data)

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil || magic != mrsMagic {
		return nil, 0, parseErr(CodeParse, "mrs 文件头不合法", 0, "", err)
	}
	b, err := r.ReadByte()
	if err != nil {
		return nil, 0, parseErr(CodeParse, "mrs 缺少 behavior 字段", 0, "", err)
	}
	got, ok := mrsBehavior(b)
	if !ok {
		return nil, 0, parseErr(CodeParse, fmt.Sprintf("未知的 mrs behavior：%d", b), 0, "", nil)
	}
	if got != want {
		return nil, 0, parseErr(CodeBehaviorMismatch, fmt.Sprintf("mrs 内容为 %s，但规则声明为 %s", got, want), 0, "", nil)
	}

	count, err := readInt64(r)
	if err != nil || count < 0 {
		return nil, 0, parseErr(CodeParse, "mrs 条目数不合法", 0, "", err)
	}
	extra, err := readInt64(r)
	if err != nil || extra < 0 || extra > int64(r.Len()) {
		return nil, 0, parseErr(CodeParse, "mrs 扩展数据长度不合法", 0, "", err)
	}
	if _, err := io.CopyN(io.Discard, r, extra); err != nil {
		return nil, 0, parseErr(CodeParse, "mrs 扩展数据不完整", 0, "", err)
	}

	switch got {
	case model.BehaviorDomain:
		set, err := readSuccinctSet(r)
		if err != nil {
			return nil, 0, parseErr(CodeParse, "mrs 域名集合不合法", 0, "", err)
		}
		return set, int(count), nil
	case model.BehaviorIPCIDR:
		set, err := readIPRanges(r)
		if err != nil {
			return nil, 0, parseErr(CodeParse, "mrs IP 集合不合法", 0, "", err)
		}
		return ipMatcher{set: set}, int(count), nil
	}
	return nil, 0, parseErr(CodeParse, "mrs 不支持 classical behavior", 0, "", nil)
}

func readInt64(r io.Reader) (int64, error) {
	var v int64
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}

// readIPRanges decodes version 1 of the ipcidr encoding: an int64 count of
// [from16, to16] address pairs.
func readIPRanges(r *bytes.Reader) (*netipx.IPSet, error) {
	var version [1]byte
	if _, err := io.ReadFull(r, version[:]); err != nil {
		return nil, err
	}
	if version[0] != 1 {
		return nil, fmt.Errorf("unsupported ipcidr set version %d", version[0])
	}
	n, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	if n < 0 || n > int64(r.Len()/32) {
		return nil, fmt.Errorf("invalid range count %d", n)
	}

	var b netipx.IPSetBuilder
	var pair [32]byte
	for i := int64(0); i < n; i++ {
		if _, err := io.ReadFull(r, pair[:]); err != nil {
			return nil, fmt.Errorf("range %d: %w", i, err)
		}
		from := netip.AddrFrom16([16]byte(pair[:16])).Unmap()
		to := netip.AddrFrom16([16]byte(pair[16:])).Unmap()
		rng := netipx.IPRangeFrom(from, to)
		if !rng.IsValid() {
			return nil, fmt.Errorf("range %d: invalid %s-%s", i, from, to)
		}
		b.AddRange(rng)
	}
	return b.IPSet()
}

// succinctSet is a LOUDS-encoded trie over reversed domain names.
type succinctSet struct {
	leaves, labelBitmap []uint64
	labels              []byte

	zeroRank []int // zeroRank[w]: zero bits in labelBitmap[0:w]
}

func readSuccinctSet(r *bytes.Reader) (*succinctSet, error) {
	var version [1]byte
	if _, err := io.ReadFull(r, version[:]); err != nil {
		return nil, err
	}
	if version[0] != 1 {
		return nil, fmt.Errorf("unsupported domain set version %d", version[0])
	}
	leaves, err := readUint64s(r)
	if err != nil {
		return nil, fmt.Errorf("leaves: %w", err)
	}
	bitmap, err := readUint64s(r)
	if err != nil {
		return nil, fmt.Errorf("label bitmap: %w", err)
	}
	n, err := readInt64(r)
	if err != nil {
		return nil, fmt.Errorf("labels: %w", err)
	}
	if n < 1 || n > int64(r.Len()) {
		return nil, fmt.Errorf("invalid labels length %d", n)
	}
	labels := make([]byte, n)
	if _, err := io.ReadFull(r, labels); err != nil {
		return nil, fmt.Errorf("labels: %w", err)
	}

	s := &succinctSet{leaves: leaves, labelBitmap: bitmap, labels: labels}
	s.zeroRank = make([]int, len(bitmap)+1)
	for w, word := range bitmap {
		s.zeroRank[w+1] = s.zeroRank[w] + 64 - bits.OnesCount64(word)
	}
	return s, nil
}

func readUint64s(r *bytes.Reader) ([]uint64, error) {
	n, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	if n < 1 || n > int64(r.Len()/8) {
		return nil, fmt.Errorf("invalid slice length %d", n)
	}
	out := make([]uint64, n)
	if err := binary.Read(r, binary.BigEndian, out); err != nil {
		return nil, err
	}
	return out, nil
}

func bit(bm []uint64, i int) bool {
	if i < 0 || i>>6 >= len(bm) {
		return false
	}
	return bm[i>>6]&(1<<uint(i&63)) != 0
}

// countZeros returns the zero bits in labelBitmap[0:i).
func (s *succinctSet) countZeros(i int) int {
	total := len(s.labelBitmap) * 64
	switch {
	case i <= 0:
		return 0
	case i >= total:
		return s.zeroRank[len(s.labelBitmap)]
	}
	w, off := i>>6, uint(i&63)
	ones := bits.OnesCount64(s.labelBitmap[w] & (1<<off - 1))
	return s.zeroRank[w] + int(off) - ones
}

// selectOne returns the position of the i-th (0-based) one bit, or -1.
func (s *succinctSet) selectOne(i int) int {
	if i < 0 {
		return -1
	}
	oneRank := func(w int) int { return w*64 - s.zeroRank[w] }
	words := len(s.labelBitmap)
	if i >= oneRank(words) {
		return -1
	}
	// first word whose prefix holds more than i ones.
	w := sort.Search(words, func(w int) bool { return oneRank(w+1) > i })
	word := s.labelBitmap[w]
	for k := i - oneRank(w); k > 0; k-- {
		word &= word - 1
	}
	return w*64 + bits.TrailingZeros64(word)
}

func (s *succinctSet) Match(md *model.Metadata, _ rules.Env) bool {
	host := normalizeHost(md.Host)
	return host != "" && s.has(host)
}

// has walks the trie with the reversed key. A '+' label matches the rest
// of the key; a '*' label matches one domain label and is backtracked.
func (s *succinctSet) has(host string) bool {
	if len(s.labels) == 0 {
		return false
	}
	key := []byte(host)
	for i, j := 0, len(key)-1; i < j; i, j = i+1, j-1 {
		key[i], key[j] = key[j], key[i]
	}

	type cursor struct{ bmIdx, keyIdx int }
	var stack []cursor
	nodeID, bmIdx := 0, 0
	maxBit := len(s.labelBitmap) * 64

	for i := 0; i < len(key); i++ {
	restart:
		c := key[i]
		for ; ; bmIdx++ {
			if bmIdx < 0 || bmIdx >= maxBit {
				return false
			}
			if bit(s.labelBitmap, bmIdx) {
				// end of this node's children: backtrack to the last '*'.
				if len(stack) == 0 {
					return false
				}
				cur := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				next := s.countZeros(cur.bmIdx + 1)
				nextBm := s.selectOne(next-1) + 1
				if nextBm <= 0 {
					return false
				}
				j := cur.keyIdx
				for j < len(key) && key[j] != '.' {
					j++
				}
				if j == len(key) {
					if bit(s.leaves, next) {
						return true
					}
					goto restart
				}
				for ; nextBm-next < len(s.labels); nextBm++ {
					if s.labels[nextBm-next] == '.' {
						bmIdx, nodeID, i = nextBm, next, j
						goto restart
					}
				}
				return false
			}
			li := bmIdx - nodeID
			if li < 0 || li >= len(s.labels) {
				return false
			}
			switch s.labels[li] {
			case '+':
				return true
			case '*':
				stack = append(stack, cursor{bmIdx: bmIdx, keyIdx: i})
			case c:
				goto matched
			}
		}
	matched:
		nodeID = s.countZeros(bmIdx + 1)
		next := s.selectOne(nodeID - 1)
		if next < 0 {
			return false
		}
		bmIdx = next + 1
	}
	return bit(s.leaves, nodeID)
}
