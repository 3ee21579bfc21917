package fetch

import (
	"strings"

	"sjsage522/shopwatch/internal/catalog"
)

// BlockKind classifies a fetched document as a ban page
type BlockKind int

const (
	// BlockNone means the page looks like a normal shop page
	BlockNone BlockKind = iota
	// BlockBanPhrase means the page carries a known ban message
	BlockBanPhrase
	// BlockStarved means the page is too small and lacks the listing grid
	BlockStarved
)

// starvedPageSize is the size under which a page without the grid counts as a block
const starvedPageSize = 10000

var banPhrases = []string{
	"you have been blocked",
	"access denied",
	"something about your browser made us think",
	"robot in the same network",
	"blocking javascript",
	"superhuman speed",
	"вы были заблокированы",
	"нечто в поведении браузера нас насторожило",
	"что-то блокирует работу javascript",
	"находится робот",
	"сверхчеловеческой скоростью",
}

func (k BlockKind) String() string {
	switch k {
	case BlockBanPhrase:
		return "ban_phrase"
	case BlockStarved:
		return "starved"
	default:
		return "none"
	}
}

// DetectBlock inspects a document for ban messages or a starved page
func DetectBlock(html string) BlockKind {
	page := strings.ToLower(html)
	for _, phrase := range banPhrases {
		if strings.Contains(page, phrase) {
			return BlockBanPhrase
		}
	}
	if len(page) < starvedPageSize && !strings.Contains(page, catalog.GridMarker) {
		return BlockStarved
	}
	return BlockNone
}
