package service

import (
	"math/rand"
	"regexp"
	"strings"
)

// smallTalkMaxWords keeps longer messages that merely start with a greeting
// on the retrieval path.
const smallTalkMaxWords = 6

// wordEnd stops prefixes like "пока" from matching "показать".
const wordEnd = `(?:$|[^\p{L}\p{N}])`

var greetingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(?:привет|здравствуй|здравствуйте|hi|hello|hey|добрый (?:день|вечер|утро|ночь))` + wordEnd),
	regexp.MustCompile(`^(?:приветик|салют|хей|хай)` + wordEnd),
	regexp.MustCompile(`^(?:добро пожаловать)` + wordEnd),
}

var greetingReplies = []string{
	"Привет! Чем могу помочь?",
	"Здравствуйте! Как дела?",
	"Привет! Готов помочь с документами.",
	"Здравствуйте! Чем могу быть полезен?",
}

var smallTalkReplies = []struct {
	pattern *regexp.Regexp
	reply   string
}{
	{
		regexp.MustCompile(`^(?:как дела|как поживаешь|how are you)` + wordEnd),
		"Спасибо, всё отлично! Готов помочь вам с документами.",
	},
	{
		regexp.MustCompile(`^(?:что ты умеешь|что можешь|what can you do)` + wordEnd),
		"Я AI-ассистент системы Sirius DMS. Могу помочь вам найти документы, ответить на вопросы по содержимому документов, классифицировать документы и многое другое.",
	},
	{
		regexp.MustCompile(`^(?:кто ты|who are you)` + wordEnd),
		"Я AI-ассистент системы управления документами Sirius DMS. Помогаю работать с документами и отвечаю на вопросы.",
	},
	{
		regexp.MustCompile(`^(?:спасибо|благодарю|thank you|thanks)` + wordEnd),
		"Пожалуйста! Всегда рад помочь.",
	},
	{
		regexp.MustCompile(`^(?:пока|до свидания|goodbye|bye)` + wordEnd),
		"До свидания! Обращайтесь, если понадобится помощь.",
	},
	{
		regexp.MustCompile(`^(?:помощь|help|что ты можешь)` + wordEnd),
		"Я могу помочь вам:\n- Найти документы по запросу\n- Ответить на вопросы по содержимому документов\n- Классифицировать документы\n- Предоставить информацию из базы документов",
	},
}

// SmallTalk returns a canned reply for greetings and questions about the
// assistant itself. pick chooses among equivalent greetings; nil picks at
// random.
func SmallTalk(message string, pick func(n int) int) (string, bool) {
	normalized := strings.Join(strings.Fields(strings.ToLower(message)), " ")
	if normalized == "" || len(strings.Fields(normalized)) > smallTalkMaxWords {
		return "", false
	}
	if pick == nil {
		pick = rand.Intn
	}

	for _, p := range greetingPatterns {
		if p.MatchString(normalized) {
			return greetingReplies[pick(len(greetingReplies))], true
		}
	}
	for _, st := range smallTalkReplies {
		if st.pattern.MatchString(normalized) {
			return st.reply, true
		}
	}
	return "", false
}
