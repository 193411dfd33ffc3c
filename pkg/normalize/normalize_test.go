package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKey(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Bursa Barosu", "bursa barosu"},
		{"bursa barosu", "bursa barosu"},
		{"BURSA BAROSU ", "bursa barosu"},
		{"  Bursa \t  Barosu\n", "bursa barosu"},
		{"Ahmet Yılmaz", "ahmet yilmaz"},
		{"AHMET YILMAZ", "ahmet yilmaz"},
		{"İSTANBUL", "istanbul"},
		{"Işık Çağlar Öztürk Şahin Gül", "isik caglar ozturk sahin gul"},
		{"Bursa Barosu'nun", "bursa barosunun"},
		{"José Müller", "jose muller"},
		{"A.Ş.", "a.s."},
		{"Prof. Dr. Ayşe Kaya", "prof. dr. ayse kaya"},
		{"ﬁrma", "firma"},
		{"", ""},
		{"   ", ""},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, Key(c.in), "Key(%q)", c.in)
	}
}

func TestKeyIdempotent(t *testing.T) {
	inputs := []string{
		"Bursa Barosu",
		"BURSA BAROSU ",
		"Ahmet Yılmaz, Bursa Barosu'nun başkanıdır.",
		"İĞNEADA  Çİftliği",
		"ǅemal Ǆ",
		"Ångström ＦＵＬＬ　ＷＩＤＴＨ",
		"한국어 텍스트",
		"Ελληνικά Σίσυφος",
		"straße STRASSE",
		"ẋ́y",
		"1.000,50 TL – %18 KDV",
		"Adalet",
		"ᄀ,ᅡ",
		"ᄀ,ᅡ,ᆨ",
		"ᄒ'ᅡ'ᆫ!",
	}

	for _, in := range inputs {
		once := Key(in)
		assert.Equal(t, once, Key(once), "Key not idempotent for %q", in)
	}
}

func TestKeyComposesAcrossDroppedPunctuation(t *testing.T) {
	assert.Equal(t, "가", Key("ᄀ,ᅡ"))
	assert.Equal(t, "각", Key("ᄀ,ᅡ,ᆨ"))
}

func TestDisplay(t *testing.T) {
	assert.Equal(t, "Bursa Barosu", Display("  Bursa   Barosu "))
	assert.Equal(t, "Ahmet Yılmaz", Display("Ahmet Yılmaz"))
}

func TestLowerTurkish(t *testing.T) {
	assert.Equal(t, "ıi", Lower("Iİ"))
	assert.Equal(t, "başkanıdır", Lower("BAŞKANIDIR"))
}

func TestBlockKeys(t *testing.T) {
	assert.Equal(t, []string{"ahme", "yilm"}, BlockKeys("ahmet yilmaz"))
	assert.Equal(t, []string{"av", "yilm"}, BlockKeys("av ahmet yilmaz"))
	assert.Equal(t, []string{"burs"}, BlockKeys("bursa"))
	assert.Nil(t, BlockKeys(""))
	assert.Equal(t, "bursa", FirstToken("bursa barosu"))
}
