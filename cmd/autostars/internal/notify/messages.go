// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package notify

import (
	"fmt"
	"strings"

	"go.astrophena.name/autostars/cmd/autostars/internal/marketplace"
	"go.astrophena.name/autostars/cmd/autostars/internal/telegram"
)

const separator = "━━━━━━━━━━━━━━━━━━━━━━"

// Buyer messages.
const (
	InvalidUsername     = "❌ Неверный формат username. Пожалуйста, введите @username."
	EnterUsernameAgain  = "Пожалуйста, введите @username ещё раз."
	EnterCorrectHandle  = "Пожалуйста, введите верный @username."
	AnswerYesOrNo       = "Пожалуйста, ответьте '+', 'Да', '-' или 'Нет'."
	OrderCanceled       = "❌ Заказ отменен, средства возвращены. Вы не можете возобновить этот заказ. Для нового заказа оформите оплату заново."
	RecipientNotFound   = "❌ Указанный вами username не найден в Telegram. Пожалуйста, введите корректный @username для получения Stars."
	RetriesExhausted    = "❌ Не удалось выполнить транзакцию после нескольких попыток. Пожалуйста, свяжитесь с поддержкой."
	NoFundsRefunded     = "❌ На кошельке владельца недостаточно средств для выполнения транзакции, возвращаю Вам деньги и приношу извинения."
	NoFundsContact      = "❌ На кошельке владельца недостаточно средств для выполнения транзакции. Свяжитесь с продавцом для возврата средств."
	OrderFailed         = "❌ Ваш заказ не выполнен. Попробуйте ещё раз"
	UnsettledRefunded   = "❌ Не удалось подтвердить статус транзакции. Возвращаю вам деньги. Извините за неудобства!"
	UnsettledContact    = "❌ Не удалось подтвердить статус транзакции. Свяжитесь с продавцом для возврата средств."
	CancelRefundPending = "❌ Заказ отменен. Средства вернет продавец в ближайшее время."
	ConfirmLater        = "⏳ Бот перезапускается. Пожалуйста, повторите подтверждение через минуту."
	notFoundPlaceholder = "Не найдено"
)

// Quantity tells the buyer how many Stars the order adds up to.
func Quantity(lots, total int) string {
	return fmt.Sprintf("Вы приобрели %d лотов, общее количество Stars: %d.", lots, total)
}

// SmallOrder acknowledges an order that won't be fulfilled automatically.
func SmallOrder(units int) string { return fmt.Sprintf("Заказ на %d Stars", units) }

// AskUsername asks for the payout handle of a new order.
func AskUsername(total int) string {
	return strings.Join([]string{
		fmt.Sprintf("⭐️ ЗАКАЗ НА %d STARS ПРИНЯТ! ⭐️", total),
		separator,
		"",
		"❗️ НЕОБХОДИМО УКАЗАТЬ ВАШ НИКНЕЙМ",
		"",
		"👉 Введите ваш @username для получения Stars",
		"👉 Проверьте профиль: Настройки → Изменить профиль",
		"",
		"⚠️ Без @username пополнение невозможно!",
		"",
		"❌ Для отмены и возврата: '!бэк'",
		separator,
	}, "\n")
}

// Lookup is the result of a recipient pre-check shown to the buyer.
type Lookup struct {
	// Name is the masked display name, empty if not found.
	Name string
	ID   string
}

func (l Lookup) String() string {
	name, id := l.Name, l.ID
	if name == "" {
		name = notFoundPlaceholder
	}
	if id == "" {
		id = notFoundPlaceholder
	}
	return fmt.Sprintf("\nИмя пользователя (найдено в телеграмме): %s\nFragment ID: %s", name, id)
}

// ConfirmDetected asks the buyer to confirm a handle found in the order.
func ConfirmDetected(total int, username string, l Lookup) string {
	return strings.Join([]string{
		fmt.Sprintf("✨ ЗАКАЗ НА %d STARS ПРИНЯТ! ✨", total),
		separator,
		"",
		"👤 Обнаружен никнейм: " + username,
		"📝 Данные Fragment: " + l.String(),
		"",
		"📋 ИНСТРУКЦИИ:",
		"✅ Для подтверждения: 'Да'",
		"❌ Для изменения: 'Нет'",
		"🔄 Для возврата: '!бэк'",
		"",
		separator,
	}, "\n")
}

// ConfirmEntered asks the buyer to confirm a handle they typed.
func ConfirmEntered(username string, l Lookup) string {
	return fmt.Sprintf("🤖 Ваш никнейм в Telegram: %s | %s \n", username, l) +
		"Если информация верна, введите '+' или 'Да'. Если хотите изменить никнейм, напишите '-' или 'Нет'. Для возврата средств введите '!бэк'.\n\n" +
		"Почему ник в блюре? Чтобы площадка FunPay не выдала блокировку из-за вашего name"
}

// Queued tells the buyer their place in the payment queue.
func Queued(position int) string {
	return fmt.Sprintf("⏳ Заказ подтвержден и поставлен в очередь на оплату. Ваша позиция: %d.", position)
}

// Mask hides every other character of a display name.
func Mask(name string) string {
	var sb strings.Builder
	for i, r := range []rune(name) {
		if i%2 == 0 {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('*')
		}
	}
	return sb.String()
}

// Operator messages. They return Telegram HTML.

// NewOrder announces an order that will be fulfilled automatically.
func NewOrder(e marketplace.OrderEvent, total int) string {
	return fmt.Sprintf("💰 <b>Новый заказ:</b> <code>%s</code>\n\n"+
		"<b><i>🙍‍♂️ Покупатель:</i></b>  <code>%s</code>\n"+
		"<b><i>💵 Сумма:</i></b>  <code>%s</code>\n"+
		"<b><i>📇 ID:</i></b> <code>#%s</code>\n\n"+
		"<i>Автовыдача %d Stars активирована.</i>",
		Escape(e.Description), Escape(e.BuyerUsername),
		Escape(fmt.Sprintf("%g %s", e.Price, e.Currency)), Escape(e.OrderID), total)
}

// Refunded reports an automatic refund.
func Refunded(username, reason string) string {
	return fmt.Sprintf("Вернул пользователю: %s деньги по причине: %s", Escape(username), Escape(reason))
}

// RefundFailed reports a refund the marketplace rejected.
func RefundFailed(orderID string, err error) string {
	return fmt.Sprintf("⚠️ Не удалось вернуть деньги по заказу <a href=%q>#%s</a>: %s",
		marketplace.OrderURL(orderID), Escape(orderID), Escape(err.Error()))
}

// ManualRefund asks the operator to refund an order by hand. It returns the
// text and a keyboard with the order link and a refund button.
func ManualRefund(orderID, reason string) (string, telegram.InlineKeyboard) {
	text := fmt.Sprintf("🔴 У вас произошла ошибка в заказе #%s\nОшибка: %s\nПросьба вернуть средства",
		Escape(orderID), Escape(reason))
	return text, telegram.InlineKeyboard{
		{{Text: "Открыть заказ FunPay", URL: marketplace.OrderURL(orderID)}},
		{{Text: "Вернуть заказ", CallbackData: RefundCallbackPrefix + orderID}},
	}
}

// TransferUnknown asks the operator to check the wallet for a transfer whose
// outcome is unknown before refunding the order.
func TransferUnknown(orderID, reason string) (string, telegram.InlineKeyboard) {
	text := fmt.Sprintf("🟠 Перевод по заказу #%s отправлен, но его статус неизвестен.\nОшибка: %s\n"+
		"Проверьте кошелек: если перевод не прошел, верните средства.",
		Escape(orderID), Escape(reason))
	return text, telegram.InlineKeyboard{
		{{Text: "Открыть заказ FunPay", URL: marketplace.OrderURL(orderID)}},
		{{Text: "Вернуть заказ", CallbackData: RefundCallbackPrefix + orderID}},
	}
}

// RefundCallbackPrefix prefixes the callback data of manual refund buttons.
const RefundCallbackPrefix = "refund_order_"

// Completed reports a settled payment.
func Completed(username string, quantity int, refID, txHash string) string {
	return strings.Join([]string{
		"🌟 Транзакция успешно завершена!",
		fmt.Sprintf("🔗 Подробности: <a href=%q>toncenter</a>", TraceURL(txHash)),
		fmt.Sprintf("🔗 Доп подробности: <a href=%q>tonviewer</a>", TonViewerURL(txHash)),
		"👤 Покупатель: " + Escape(username),
		fmt.Sprintf("⭐️ Stars: %d", quantity),
		"🔑 Ref ID: Ref#" + Escape(refID),
		"✅ Статус: Готово",
	}, "\n")
}

// Pending lists orders confirmed before a restart that never got an outcome.
func Pending(orderIDs []string) string {
	var sb strings.Builder
	sb.WriteString("⚠️ Заказы, подтвержденные до перезапуска и не завершенные. Проверьте их вручную:\n")
	for _, id := range orderIDs {
		fmt.Fprintf(&sb, "\n• <a href=%q>#%s</a>", marketplace.OrderURL(id), Escape(id))
	}
	return sb.String()
}

// TonViewerURL returns the explorer page of the transaction.
func TonViewerURL(txHash string) string { return "https://tonviewer.com/transaction/" + txHash }

// TraceURL returns the toncenter trace of the transaction.
func TraceURL(txHash string) string {
	return "https://preview.toncenter.com/api/v3/traces?msg_hash=" + txHash + "&include_actions=true"
}
