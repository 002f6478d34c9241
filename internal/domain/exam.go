package domain

import "time"

// Exam — экзамен в каталоге. Сервис не управляет контентом экзаменов,
// каталог нужен только для метаданных и проверки предусловий покупки.
type Exam struct {
	ID          string    // UUID экзамена
	Title       string    // Название
	Description string    // Описание
	Price       int64     // Цена в минимальных единицах (йены/копейки/центы)
	Currency    string    // ISO 4217 код валюты
	Published   bool      // Доступен ли экзамен в каталоге
	CreatedAt   time.Time // Дата создания
	UpdatedAt   time.Time // Дата обновления
}

// Purchasable возвращает true, если экзамен можно купить:
// опубликован и имеет положительную цену.
func (e *Exam) Purchasable() bool {
	return e.Published && e.Price > 0
}
