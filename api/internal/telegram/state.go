package telegram

import (
	"sync"
	"time"
)

// Пауза после последнего фото: альбомы и "очереди" из нескольких фото
// копятся в один батч, пока пользователь не перестанет слать.
const debounce = 1200 * time.Millisecond

type photoBatch struct {
	ChatID       int64
	Key          string // "grp:<mediaGroupID>" | "chat:<chatID>"
	MediaGroupID string

	mu     sync.Mutex
	images [][]byte
	timer  *time.Timer
}

var (
	batches     sync.Map // key -> *photoBatch
	lastResults sync.Map // chatID -> grade.Result (для кнопки «Подробнее»)
)
