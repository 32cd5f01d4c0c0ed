package services

import (
	"fmt"

	"github.com/tbourn/go-activation-bot/internal/domain"
)

// Prompts holds the user-facing texts of the conversation. Zero fields are
// filled from DefaultPrompts.
type Prompts struct {
	Greeting       string
	SendPDF        string
	RejectReceipt  string // formatted with the help link
	AskPhone       string
	InvalidPhone   string
	AskDevice      string
	InvalidDevice  string
	CodeIssued     string // formatted with the code
	PoolExhausted  string
	ReceiptUsed    string // formatted with the help link
	StateReset     string
	TemporaryError string
}

// DefaultPrompts returns the Russian texts used by the bot.
func DefaultPrompts() Prompts {
	return Prompts{
		Greeting:       "Здравствуйте! Чтобы получить код активации, пройдите несколько шагов.",
		SendPDF:        "Пожалуйста, отправьте чек в формате PDF.",
		RejectReceipt:  "Пожалуйста, отправьте корректный чек или напишите нам %s.",
		AskPhone:       "Пожалуйста, напишите номер телефона, который участвует в розыгрыше в формате 77023334455",
		InvalidPhone:   "Пожалуйста, укажите номер телефона в формате 77023334455.",
		AskDevice:      "Напишите, пожалуйста, модель вашего телефона. Например: 'iPhone 16 Pro Max'",
		InvalidDevice:  "Пожалуйста, укажите модель вашего телефона.",
		CodeIssued:     "Спасибо! Ваш код активации: %s",
		PoolExhausted:  "Извините, все коды активации были использованы.",
		ReceiptUsed:    "Этот чек уже был использован. Пожалуйста, отправьте другой чек или напишите нам %s.",
		StateReset:     "Что-то пошло не так, начнём заново. Пожалуйста, отправьте чек в формате PDF.",
		TemporaryError: "Сервис временно недоступен, попробуйте ещё раз позже.",
	}
}

func (p Prompts) withDefaults() Prompts {
	d := DefaultPrompts()
	fill := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	fill(&p.Greeting, d.Greeting)
	fill(&p.SendPDF, d.SendPDF)
	fill(&p.RejectReceipt, d.RejectReceipt)
	fill(&p.AskPhone, d.AskPhone)
	fill(&p.InvalidPhone, d.InvalidPhone)
	fill(&p.AskDevice, d.AskDevice)
	fill(&p.InvalidDevice, d.InvalidDevice)
	fill(&p.CodeIssued, d.CodeIssued)
	fill(&p.PoolExhausted, d.PoolExhausted)
	fill(&p.ReceiptUsed, d.ReceiptUsed)
	fill(&p.StateReset, d.StateReset)
	fill(&p.TemporaryError, d.TemporaryError)
	return p
}

func (p Prompts) rejectReceipt(help string) string { return fmt.Sprintf(p.RejectReceipt, help) }
func (p Prompts) receiptUsed(help string) string   { return fmt.Sprintf(p.ReceiptUsed, help) }
func (p Prompts) codeIssued(code string) string    { return fmt.Sprintf(p.CodeIssued, code) }

// forStage returns the prompt that asks for the input a stage expects.
func (p Prompts) forStage(s domain.Stage) string {
	switch s {
	case domain.StageAwaitingPhone:
		return p.InvalidPhone
	case domain.StageAwaitingDevice:
		return p.InvalidDevice
	default:
		return p.SendPDF
	}
}
