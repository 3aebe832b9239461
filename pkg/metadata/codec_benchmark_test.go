package metadata

import (
	"context"
	"fmt"
	"testing"
)

func BenchmarkRecordCodec(b *testing.B) {
	rec := sampleRecord()

	b.Run("encode", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			if _, err := encodeRecord(rec); err != nil {
				b.Fatal(err)
			}
		}
	})

	data, err := encodeRecord(rec)
	if err != nil {
		b.Fatal(err)
	}
	b.Run("decode", func(b *testing.B) {
		b.ReportAllocs()
		b.SetBytes(int64(len(data)))
		for i := 0; i < b.N; i++ {
			if _, err := decodeRecord(data); err != nil {
				b.Fatal(err)
			}
		}
	})
}

func BenchmarkLoadRecords(b *testing.B) {
	sizes := []int{100, 1000, 10000}
	for _, size := range sizes {
		b.Run(fmt.Sprintf("Size_%d", size), func(b *testing.B) {
			ctx := context.Background()
			m := NewMemory()
			rec := sampleRecord()
			for i := 0; i < size; i++ {
				rec.Location = fmt.Sprintf("rs%06d", i)
				rec.ServerID = uint64(i + 1)
				if err := m.PutRecord(ctx, rec); err != nil {
					b.Fatal(err)
				}
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := m.LoadRecords(ctx); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
