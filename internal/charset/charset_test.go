package charset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNumClasses(t *testing.T) {
	assert.Equal(t, 37, NumClasses)
}

func TestEncode(t *testing.T) {
	tests := []struct {
		label   string
		want    []int
		wantErr bool
	}{
		{label: "A", want: []int{1}},
		{label: "Z", want: []int{26}},
		{label: "1", want: []int{27}},
		{label: "9", want: []int{35}},
		{label: "0", want: []int{36}},
		{label: "B1234XYZ", want: []int{2, 27, 28, 29, 30, 24, 25, 26}},
		{label: "", wantErr: true},
		{label: "b1234", wantErr: true},
		{label: "AB-12", wantErr: true},
		{label: "AB 12", wantErr: true},
	}
	for _, tt := range tests {
		got, err := Encode(tt.label)
		if tt.wantErr {
			assert.Error(t, err, "label %q", tt.label)
			continue
		}
		assert.NoError(t, err, "label %q", tt.label)
		assert.Equal(t, tt.want, got, "label %q", tt.label)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	for _, label := range []string{"B1234XYZ", "D56ABC", "AA1", "H9876KL"} {
		classes, err := Encode(label)
		assert.NoError(t, err)
		assert.Equal(t, label, Decode(classes))
	}
}

func TestDecodeSkipsBlank(t *testing.T) {
	assert.Equal(t, "AB", Decode([]int{Blank, 1, Blank, 2, Blank}))
}

func TestChar(t *testing.T) {
	r, err := Char(1)
	assert.NoError(t, err)
	assert.Equal(t, 'A', r)

	_, err = Char(Blank)
	assert.Error(t, err)
	_, err = Char(NumClasses)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("B1234XYZ"))
	assert.Error(t, Validate("b1234xyz"))
	assert.Error(t, Validate(""))
}
