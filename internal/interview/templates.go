package interview

import (
	"strconv"
	"strings"
)

// Templates are the candidate-facing texts. Placeholders: {name}, {job},
// {total}, {number}, {question}, {answers}.
type Templates struct {
	Intro       string `mapstructure:"intro"`
	Question    string `mapstructure:"question"`
	Reminder    string `mapstructure:"reminder"`
	Ack         string `mapstructure:"ack"`
	Closing     string `mapstructure:"closing"`
	Cancelled   string `mapstructure:"cancelled"`
	Declined    string `mapstructure:"declined"`
	Unavailable string `mapstructure:"unavailable"`
}

func DefaultTemplates() Templates {
	return Templates{
		Intro:       "🎯 Entrevista iniciada para: {job}\n👋 Olá {name}!\n📝 {total} perguntas",
		Question:    "📝 Pergunta {number}/{total}:\n\n{question}\n\n🎤 Responda somente por áudio",
		Reminder:    "🎤 Por favor, responda a pergunta {number}/{total} enviando um áudio.",
		Ack:         "✅ Resposta recebida! Preparando próxima pergunta...",
		Closing:     "🎉 Parabéns {name}! Você completou a entrevista para {job}.\n\n📊 Total de respostas: {answers}\n✅ Suas respostas foram registradas com sucesso!\n\nNós retornaremos com o resultado o mais breve possível. Obrigado pela participação!",
		Cancelled:   "⏹️ Entrevista interrompida. Obrigado pela participação até aqui!",
		Declined:    "Entendido. Obrigado!",
		Unavailable: "❌ Nenhuma vaga disponível no momento.",
	}
}

func (t Templates) withDefaults() Templates {
	d := DefaultTemplates()
	fill := func(v *string, def string) {
		if strings.TrimSpace(*v) == "" {
			*v = def
		}
	}
	fill(&t.Intro, d.Intro)
	fill(&t.Question, d.Question)
	fill(&t.Reminder, d.Reminder)
	fill(&t.Ack, d.Ack)
	fill(&t.Closing, d.Closing)
	fill(&t.Cancelled, d.Cancelled)
	fill(&t.Declined, d.Declined)
	fill(&t.Unavailable, d.Unavailable)
	return t
}

func render(tmpl string, sess *Session) string {
	if sess == nil {
		return tmpl
	}

	number := sess.CurrentQuestionIndex + 1
	if number > len(sess.Questions) {
		number = len(sess.Questions)
	}
	question := ""
	if q, ok := sess.Current(); ok {
		question = q.Prompt
	}

	return strings.NewReplacer(
		"{name}", sess.CandidateName,
		"{job}", sess.JobName,
		"{total}", strconv.Itoa(len(sess.Questions)),
		"{number}", strconv.Itoa(number),
		"{question}", question,
		"{answers}", strconv.Itoa(len(sess.Answers)),
	).Replace(tmpl)
}
