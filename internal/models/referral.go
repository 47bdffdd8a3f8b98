package models

// ReferralInvite представляет узел реферальной цепочки. CameFrom
// указывает на пригласившего; цепочка ациклична по построению,
// так как пригласить пользователя можно только один раз и только
// уже существующим пользователем.
type ReferralInvite struct {
	UserUID  string  // Приглашённый пользователь
	CameFrom *string // Пригласивший, nil для корня цепочки
	Paid     bool    // Выплачен ли бонус за этого пользователя
	DeepLink *string // Ссылка, по которой пришёл пользователь
}

// PayoutNotice — уведомление о реферальном бонусе, публикуемое
// в очередь для отправки получателю или в админ-канал.
type PayoutNotice struct {
	UserUID   string   `json:"user_uid"`
	Referrals []string `json:"referrals"`
}

// SubscriptionNotice — уведомление об истечении или окончании подписки.
type SubscriptionNotice struct {
	UserUID  string `json:"user_uid"`
	Until    string `json:"until"`
	DaysLeft int    `json:"days_left"`
}
