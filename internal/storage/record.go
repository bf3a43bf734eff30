package storage

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// A changelog file is a sequence of records:
//
//	| PayloadLength | CRC32C  | Serial  | Entry    |
//	|---------------|---------|---------|----------|
//	| 4 bytes       | 4 bytes | 8 bytes | N bytes  |
//
// PayloadLength and CRC32C cover Serial+Entry. The file is written by a
// single goroutine; ReadAt based readers may run concurrently with it.

const (
	payloadLenBytes = 4
	checksumBytes   = 4
	serialBytes     = 8

	// HeaderBytes precede the entry bytes of every record.
	HeaderBytes = payloadLenBytes + checksumBytes + serialBytes

	// MaxEntryBytes bounds a single entry so a corrupt length field cannot
	// trigger a huge allocation.
	MaxEntryBytes = 64 << 20
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Record locates one entry inside the file.
type Record struct {
	Serial int64
	Offset int64 // offset of the entry bytes, past the header
	Length int
}

// End is the file offset just past the record.
func (r Record) End() int64 {
	return r.Offset + int64(r.Length)
}

// EncodeRecord frames entry for appending to the log.
func EncodeRecord(serial int64, entry []byte) []byte {
	payload := make([]byte, 0, serialBytes+len(entry))
	payload = binary.BigEndian.AppendUint64(payload, uint64(serial))
	payload = append(payload, entry...)

	record := make([]byte, 0, payloadLenBytes+checksumBytes+len(payload))
	record = binary.BigEndian.AppendUint32(record, uint32(len(payload)))
	record = binary.BigEndian.AppendUint32(record, crc32.Checksum(payload, castagnoli))
	record = append(record, payload...)
	return record
}

// Write appends bytes to the given open file handle. Caller owns file lifecycle.
func Write(file *os.File, data []byte) error {
	writer := bufio.NewWriter(file)
	if _, err := writer.Write(data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Read reads length bytes starting from offset. It is safe for concurrent use.
func Read(file io.ReaderAt, offset int64, length int) ([]byte, error) {
	buf := make([]byte, length)
	n, err := file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read: %w", err)
	}
	return buf[:n], nil
}

// Scan walks the records of file in order, calling fn for each valid one.
// It stops at the first truncated or corrupt record and returns the offset
// where valid data ends, so the caller can cut a torn tail.
func Scan(file io.ReaderAt, size int64, fn func(rec Record) error) (int64, error) {
	var offset int64
	for offset < size {
		if offset+HeaderBytes > size {
			return offset, nil
		}
		header, err := Read(file, offset, payloadLenBytes+checksumBytes)
		if err != nil {
			return offset, err
		}
		payloadLen := int64(binary.BigEndian.Uint32(header[:payloadLenBytes]))
		expectedChecksum := binary.BigEndian.Uint32(header[payloadLenBytes:])
		if payloadLen < serialBytes || payloadLen > serialBytes+MaxEntryBytes {
			return offset, nil
		}
		payloadStart := offset + payloadLenBytes + checksumBytes
		if payloadStart+payloadLen > size {
			return offset, nil
		}
		payload, err := Read(file, payloadStart, int(payloadLen))
		if err != nil {
			return offset, err
		}
		if int64(len(payload)) < payloadLen {
			return offset, nil
		}
		if crc32.Checksum(payload, castagnoli) != expectedChecksum {
			return offset, nil
		}
		rec := Record{
			Serial: int64(binary.BigEndian.Uint64(payload[:serialBytes])),
			Offset: payloadStart + serialBytes,
			Length: int(payloadLen - serialBytes),
		}
		if err := fn(rec); err != nil {
			return offset, err
		}
		offset = rec.End()
	}
	return offset, nil
}
