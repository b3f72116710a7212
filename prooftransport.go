// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quadrable

import (
	"fmt"
	"math/bits"
)

// ProofEncodingType selects how strand keys travel on the wire.
type ProofEncodingType byte

const (
	// ProofEncodingHashedKeys carries only keyHashes, compactly.
	ProofEncodingHashedKeys ProofEncodingType = 0
	// ProofEncodingFullKeys carries original keys; the verifier recomputes
	// each keyHash.
	ProofEncodingFullKeys ProofEncodingType = 1
)

// Command bytecode. The cursor starts at the last strand index.
//
//	00000000 -> Merge at the cursor
//	0vvvvvv1 -> hash-queue flush: the bits above the sentinel 1, least
//	            significant first, select HashProvided (1, 32 bytes follow
//	            in order) or HashEmpty (0) for up to six commands
//	100ddddd -> short jump forward  ddddd+1  (1..=32)
//	101ddddd -> short jump reverse  ddddd+1
//	110ddddd -> long jump forward   2^(ddddd+6)
//	111ddddd -> long jump reverse   2^(ddddd+6)
const (
	cmdByteMerge       = 0x00
	cmdShortJumpFwd    = 0b1000_0000
	cmdShortJumpRev    = 0b1010_0000
	cmdLongJumpFwd     = 0b1100_0000
	cmdLongJumpRev     = 0b1110_0000
	maxShortJump       = 32
	maxHashQueueLength = 6
)

// appendKeyHash appends the compact encoding of [keyHash]: the number of
// trailing zero bytes, then the non-zero prefix.
func appendKeyHash(dst []byte, keyHash Key) []byte {
	numTrailingZeros := 0
	for i := KeyLen - 1; i >= 0; i-- {
		if keyHash[i] != 0 {
			break
		}
		numTrailingZeros++
	}

	dst = append(dst, byte(numTrailingZeros))
	return append(dst, keyHash[:KeyLen-numTrailingZeros]...)
}

// readKeyHash decodes a compact keyHash from the front of [b], returning
// the key and the number of bytes consumed.
func readKeyHash(b []byte) (Key, int, error) {
	if len(b) < 1 {
		return Key{}, 0, fmt.Errorf("%w: ends prematurely", ErrProofInvalid)
	}
	numTrailingZeros := int(b[0])
	if numTrailingZeros > KeyLen {
		return Key{}, 0, fmt.Errorf("%w: bad keyHash prefix length", ErrProofInvalid)
	}
	prefixLen := KeyLen - numTrailingZeros
	if len(b) < 1+prefixLen {
		return Key{}, 0, fmt.Errorf("%w: ends prematurely", ErrProofInvalid)
	}

	var k Key
	copy(k[:], b[1:1+prefixLen])
	return k, 1 + prefixLen, nil
}

// EncodeProof serializes [p] to its byte-exact wire form.
func EncodeProof(p *Proof, encodingType ProofEncodingType) ([]byte, error) {
	var o []byte

	// Encoding type

	o = append(o, byte(encodingType))

	// Strands

	for _, strand := range p.Strands {
		o = append(o, byte(strand.StrandType), byte(strand.Depth))

		switch strand.StrandType {
		case ProofStrandLeaf:
			if encodingType == ProofEncodingHashedKeys {
				o = appendKeyHash(o, strand.KeyHash)
			} else {
				if len(strand.Key) == 0 {
					return nil, fmt.Errorf("%w: FullKeys encoding specified, but key not available", ErrProofInvalid)
				}
				o = appendVarInt(o, uint64(len(strand.Key)))
				o = append(o, strand.Key...)
			}

			o = appendVarInt(o, uint64(len(strand.Val)))
			o = append(o, strand.Val...)

		case ProofStrandWitnessLeaf, ProofStrandWitness:
			o = appendKeyHash(o, strand.KeyHash)
			if len(strand.Val) != KeyLen {
				return nil, fmt.Errorf("%w: witness strand carries %d byte hash", ErrProofInvalid, len(strand.Val))
			}
			o = append(o, strand.Val...)

		case ProofStrandWitnessEmpty:
			o = appendKeyHash(o, strand.KeyHash)

		default:
			return nil, fmt.Errorf("%w: unrecognized strand type %d", ErrProofInvalid, strand.StrandType)
		}
	}

	o = append(o, byte(ProofStrandInvalid)) // end of strand list

	// Cmds

	if len(p.Strands) == 0 {
		return o, nil
	}

	currPos := len(p.Strands) - 1 // starts at end
	var hashQueue []ProofCmd

	flushHashQueue := func() {
		if len(hashQueue) == 0 {
			return
		}

		queueBits := uint64(0)
		for i, cmd := range hashQueue {
			if cmd.Op == ProofCmdHashProvided {
				queueBits |= 1 << i
			}
		}

		queueBits = queueBits<<1 | 1
		queueBits <<= maxHashQueueLength - len(hashQueue)

		o = append(o, byte(queueBits))

		for _, cmd := range hashQueue {
			if cmd.Op == ProofCmdHashProvided {
				o = append(o, cmd.Hash[:]...)
			}
		}

		hashQueue = hashQueue[:0]
	}

	for _, cmd := range p.Cmds {
		for cmd.NodeOffset != currPos {
			flushHashQueue()

			delta := cmd.NodeOffset - currPos

			switch {
			case delta >= 1 && delta < 64:
				distance := delta
				if distance > maxShortJump {
					distance = maxShortJump
				}
				o = append(o, byte(cmdShortJumpFwd|(distance-1)))
				currPos += distance
			case delta > -64 && delta <= -1:
				distance := -delta
				if distance > maxShortJump {
					distance = maxShortJump
				}
				o = append(o, byte(cmdShortJumpRev|(distance-1)))
				currPos -= distance
			default:
				abs := delta
				if abs < 0 {
					abs = -abs
				}
				logDistance := bits.Len64(uint64(abs))

				if delta > 0 {
					o = append(o, byte(cmdLongJumpFwd|(logDistance-7)))
					currPos += 1 << (logDistance - 1)
				} else {
					o = append(o, byte(cmdLongJumpRev|(logDistance-7)))
					currPos -= 1 << (logDistance - 1)
				}
			}
		}

		if cmd.Op == ProofCmdMerge {
			flushHashQueue()
			o = append(o, cmdByteMerge)
		} else {
			hashQueue = append(hashQueue, cmd)
			if len(hashQueue) == maxHashQueueLength {
				flushHashQueue()
			}
		}
	}

	flushHashQueue()

	return o, nil
}

// DecodeProof parses the wire form back into a Proof. Structural and hash
// validation is left to import.
func DecodeProof(encoded []byte) (*Proof, error) {
	proof := &Proof{}

	getByte := func() (byte, error) {
		if len(encoded) < 1 {
			return 0, fmt.Errorf("%w: ends prematurely", ErrProofInvalid)
		}
		res := encoded[0]
		encoded = encoded[1:]
		return res, nil
	}

	getBytes := func(n int) ([]byte, error) {
		if n < 0 || len(encoded) < n {
			return nil, fmt.Errorf("%w: ends prematurely", ErrProofInvalid)
		}
		res := encoded[:n:n]
		encoded = encoded[n:]
		return res, nil
	}

	getKeyHash := func() (Key, error) {
		k, consumed, err := readKeyHash(encoded)
		if err != nil {
			return Key{}, err
		}
		encoded = encoded[consumed:]
		return k, nil
	}

	getVarInt := func() (uint64, error) {
		n, consumed, err := readVarInt(encoded)
		if err != nil {
			return 0, fmt.Errorf("%w: %s", ErrProofInvalid, err)
		}
		encoded = encoded[consumed:]
		return n, nil
	}

	// Encoding type

	encodingByte, err := getByte()
	if err != nil {
		return nil, err
	}
	encodingType := ProofEncodingType(encodingByte)

	if encodingType != ProofEncodingHashedKeys && encodingType != ProofEncodingFullKeys {
		return nil, fmt.Errorf("%w: unexpected encoding type %d", ErrProofInvalid, encodingType)
	}

	// Strands

	for {
		strandTypeByte, err := getByte()
		if err != nil {
			return nil, err
		}
		strandType := ProofStrandType(strandTypeByte)

		if strandType == ProofStrandInvalid {
			break // end of strands
		}

		depthByte, err := getByte()
		if err != nil {
			return nil, err
		}
		strand := ProofStrand{StrandType: strandType, Depth: int(depthByte)}

		switch strandType {
		case ProofStrandLeaf:
			if encodingType == ProofEncodingHashedKeys {
				if strand.KeyHash, err = getKeyHash(); err != nil {
					return nil, err
				}
			} else {
				keySize, err := getVarInt()
				if err != nil {
					return nil, err
				}
				if strand.Key, err = getBytes(int(keySize)); err != nil {
					return nil, err
				}
				strand.KeyHash = HashKey(strand.Key)
			}

			valSize, err := getVarInt()
			if err != nil {
				return nil, err
			}
			if strand.Val, err = getBytes(int(valSize)); err != nil {
				return nil, err
			}

		case ProofStrandWitnessLeaf, ProofStrandWitness:
			if strand.KeyHash, err = getKeyHash(); err != nil {
				return nil, err
			}
			if strand.Val, err = getBytes(KeyLen); err != nil {
				return nil, err
			}

		case ProofStrandWitnessEmpty:
			if strand.KeyHash, err = getKeyHash(); err != nil {
				return nil, err
			}

		default:
			return nil, fmt.Errorf("%w: unrecognized strand type %d", ErrProofInvalid, strandType)
		}

		proof.Strands = append(proof.Strands, strand)
	}

	// Cmds

	if len(proof.Strands) == 0 {
		return proof, nil
	}

	currPos := len(proof.Strands) - 1 // starts at end

	for len(encoded) > 0 {
		cmdByte, err := getByte()
		if err != nil {
			return nil, err
		}

		switch {
		case cmdByte == cmdByteMerge:
			proof.Cmds = append(proof.Cmds, ProofCmd{Op: ProofCmdMerge, NodeOffset: currPos})

		case cmdByte&0x80 == 0:
			// hash-queue flush byte
			started := false
			for i := 0; i < 7; i++ {
				if started {
					if cmdByte&1 != 0 {
						hashBytes, err := getBytes(KeyLen)
						if err != nil {
							return nil, err
						}
						hash, err := KeyFromBytes(hashBytes)
						if err != nil {
							return nil, fmt.Errorf("%w: %s", ErrProofInvalid, err)
						}
						proof.Cmds = append(proof.Cmds, ProofCmd{Op: ProofCmdHashProvided, NodeOffset: currPos, Hash: hash})
					} else {
						proof.Cmds = append(proof.Cmds, ProofCmd{Op: ProofCmdHashEmpty, NodeOffset: currPos})
					}
				} else if cmdByte&1 != 0 {
					started = true
				}

				cmdByte >>= 1
			}

		default:
			action := cmdByte >> 5
			distance := int(cmdByte & 0b1_1111)

			switch action {
			case 0b100: // short jump fwd
				currPos += distance + 1
			case 0b101: // short jump rev
				currPos -= distance + 1
			case 0b110: // long jump fwd
				currPos += 1 << (distance + 6)
			case 0b111: // long jump rev
				currPos -= 1 << (distance + 6)
			}

			if currPos < 0 || currPos >= len(proof.Strands) {
				return nil, fmt.Errorf("%w: jumped outside of proof strands", ErrProofInvalid)
			}
		}
	}

	return proof, nil
}
