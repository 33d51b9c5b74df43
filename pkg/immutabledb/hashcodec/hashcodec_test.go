package hashcodec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Blake2b256_EncodeDecode_Roundtrips_When_Given_A_Sum(t *testing.T) {
	t.Parallel()

	codec := Blake2b256{}
	hash := codec.Sum([]byte("payload"))
	require.Len(t, hash, codec.Size())

	dst := make([]byte, codec.Size())
	require.NoError(t, codec.Encode(dst, hash))

	got, err := codec.Decode(dst)
	require.NoError(t, err)
	require.Equal(t, hash, got)
}

func Test_Blake2b256_Sum_Is_Deterministic_And_Sensitive_To_Input(t *testing.T) {
	t.Parallel()

	codec := Blake2b256{}
	a := codec.Sum([]byte("alpha"))
	b := codec.Sum([]byte("alpha"))
	c := codec.Sum([]byte("beta"))

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func Test_Blake2b256_Encode_Errors_When_Hash_Has_Wrong_Length(t *testing.T) {
	t.Parallel()

	codec := Blake2b256{}
	dst := make([]byte, codec.Size())
	require.Error(t, codec.Encode(dst, make([]byte, codec.Size()-1)))
}

func Test_Blake2b256_Encode_Errors_When_Dst_Is_Too_Short(t *testing.T) {
	t.Parallel()

	codec := Blake2b256{}
	hash := codec.Sum(nil)
	require.Error(t, codec.Encode(make([]byte, codec.Size()-1), hash))
}

func Test_Blake2b256_Decode_Errors_When_Src_Has_Wrong_Length(t *testing.T) {
	t.Parallel()

	codec := Blake2b256{}
	_, err := codec.Decode(make([]byte, codec.Size()+1))
	require.Error(t, err)
}

func Fuzz_Blake2b256_EncodeDecode_Roundtrips(f *testing.F) {
	codec := Blake2b256{}
	f.Add([]byte(""))
	f.Add([]byte("a block of bytes"))

	f.Fuzz(func(t *testing.T, block []byte) {
		hash := codec.Sum(block)
		dst := make([]byte, codec.Size())
		if err := codec.Encode(dst, hash); err != nil {
			t.Fatalf("encode: %v", err)
		}
		got, err := codec.Decode(dst)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		for i := range hash {
			if got[i] != hash[i] {
				t.Fatalf("roundtrip mismatch at byte %d", i)
			}
		}
	})
}
