// Package domain содержит бизнес-сущности сервиса покупки экзаменов.
package domain

import "errors"

// Доменные ошибки сервиса покупок.
var (
	// ErrExamNotFound — экзамен не найден.
	ErrExamNotFound = errors.New("экзамен не найден")

	// ErrExamNotPurchasable — экзамен не опубликован или имеет нулевую цену.
	ErrExamNotPurchasable = errors.New("экзамен недоступен для покупки")

	// ErrPurchaseNotFound — запись о покупке не найдена.
	ErrPurchaseNotFound = errors.New("запись о покупке не найдена")

	// ErrAlreadyPurchased — экзамен уже куплен, повторная покупка невозможна.
	ErrAlreadyPurchased = errors.New("экзамен уже куплен")

	// ErrGatewayUnavailable — платёжный шлюз недоступен, попытка не начата.
	// Покупатель может безопасно повторить запрос.
	ErrGatewayUnavailable = errors.New("платёжный шлюз недоступен")

	// ErrInvalidTransition — недопустимый переход состояния покупки.
	ErrInvalidTransition = errors.New("недопустимый переход состояния покупки")

	// ErrDuplicatePurchase — запись для пары (покупатель, экзамен) уже существует.
	ErrDuplicatePurchase = errors.New("запись о покупке уже существует")

	// ErrStaleAttempt — условное обновление не применилось: запись уже
	// изменена конкурентной операцией или более новой попыткой.
	ErrStaleAttempt = errors.New("устаревшая попытка: запись изменена конкурентно")

	// ErrInitiationInProgress — параллельная инициация той же покупки
	// ещё не завершилась. Покупатель может повторить запрос.
	ErrInitiationInProgress = errors.New("инициация покупки уже выполняется")

	// ErrMissingBuyer — не указан покупатель.
	ErrMissingBuyer = errors.New("buyer_id обязателен")

	// ErrMissingExam — не указан экзамен.
	ErrMissingExam = errors.New("exam_id обязателен")

	// ErrSessionRefInvariant — нарушен инвариант: session_ref заполнен
	// тогда и только тогда, когда состояние PENDING.
	ErrSessionRefInvariant = errors.New("session_ref допустим только в состоянии PENDING")
)
