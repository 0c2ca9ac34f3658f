// internal/notify/dispatcher.go
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"sokoni.co.ke/internal/config"
	"sokoni.co.ke/internal/models"
)

const dispatchBatch = 50

// EventSource - outbox событий оплаты.
type EventSource interface {
	FindUnpublishedEvents(ctx context.Context, limit int) ([]models.PaymentEvent, error)
	MarkEventPublished(ctx context.Context, eventID string) error
}

type NotificationStore interface {
	CreateNotifications(ctx context.Context, items []models.Notification) error
}

// RecipientFinder находит администраторов, которым рассылаются уведомления.
type RecipientFinder interface {
	GetUserIDsByRole(ctx context.Context, roleName string) ([]int64, error)
}

type SMS interface {
	Send(ctx context.Context, phoneNumber, message string) error
}

// Dispatcher разбирает outbox и превращает события оплаты во внутренние
// уведомления и SMS покупателю. Заказ и попытку оплаты не меняет.
type Dispatcher struct {
	events     EventSource
	store      NotificationStore
	recipients RecipientFinder
	sms        SMS
	cfg        config.NotificationsConfig

	mu   sync.Mutex
	kick chan struct{}
}

func NewDispatcher(events EventSource, store NotificationStore, recipients RecipientFinder, sms SMS, cfg config.NotificationsConfig) *Dispatcher {
	return &Dispatcher{
		events:     events,
		store:      store,
		recipients: recipients,
		sms:        sms,
		cfg:        cfg,
		kick:       make(chan struct{}, 1),
	}
}

// Kick просит Run разобрать outbox, не дожидаясь тикера. Не блокирует.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run обрабатывает outbox по тикеру и по Kick до отмены ctx.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	slog.Info("Запущен диспетчер уведомлений об оплате", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Диспетчер уведомлений об оплате остановлен")
			return
		case <-ticker.C:
		case <-d.kick:
		}
		if _, err := d.DispatchOnce(ctx); err != nil {
			slog.Error("Ошибка разбора outbox событий оплаты", "error", err)
		}
	}
}

// DispatchOnce обрабатывает одну пачку неопубликованных событий и возвращает
// количество опубликованных.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	events, err := d.events.FindUnpublishedEvents(ctx, dispatchBatch)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, e := range events {
		sms, err := d.dispatch(ctx, e)
		if err != nil {
			// событие остается в outbox до следующего прохода
			slog.Error("Не удалось разослать уведомления об оплате", "eventID", e.ID, "orderID", e.OrderID, "error", err)
			continue
		}
		if err := d.events.MarkEventPublished(ctx, e.ID); err != nil {
			slog.Error("Не удалось отметить событие обработанным", "eventID", e.ID, "error", err)
			continue
		}
		published++
		// SMS уходит только после снятия события с очереди, повторный проход его не дублирует
		if sms != nil {
			d.sendSMS(ctx, e, *sms)
		}
	}
	return published, nil
}

// smsMessage - SMS покупателю, отложенная до MarkEventPublished.
type smsMessage struct {
	phone string
	text  string
}

func (d *Dispatcher) sendSMS(ctx context.Context, e models.PaymentEvent, m smsMessage) {
	if err := d.sms.Send(ctx, m.phone, m.text); err != nil {
		slog.Warn("SMS покупателю не отправлено", "eventID", e.ID, "orderID", e.OrderID, "error", err)
	}
}

// dispatch создает уведомления в приложении и возвращает SMS покупателю, если она нужна.
func (d *Dispatcher) dispatch(ctx context.Context, e models.PaymentEvent) (*smsMessage, error) {
	var p models.PaymentEventPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		// повтор не поможет, событие снимается с очереди
		slog.Error("Некорректный payload события оплаты, событие пропущено", "eventID", e.ID, "error", err)
		return nil, nil
	}

	title, adminMsg, customerMsg := compose(p)

	adminIDs, err := d.recipients.GetUserIDsByRole(ctx, models.RoleAdmin)
	if err != nil {
		return nil, fmt.Errorf("не удалось получить список администраторов: %w", err)
	}

	items := make([]models.Notification, 0, len(adminIDs)+1)
	adminLink := fmt.Sprintf("%s/%d", strings.TrimSuffix(d.cfg.AdminOrderLinkBase, "/"), p.OrderID)
	for _, id := range adminIDs {
		items = append(items, models.Notification{
			UserID:  id,
			Type:    models.NotificationTypePayment,
			Title:   title,
			Message: adminMsg,
			Link:    adminLink,
		})
	}
	if d.cfg.NotifyCustomer && p.CustomerID != nil && !containsID(adminIDs, *p.CustomerID) {
		items = append(items, models.Notification{
			UserID:  *p.CustomerID,
			Type:    models.NotificationTypePayment,
			Title:   title,
			Message: customerMsg,
			Link:    fmt.Sprintf("%s/%d", strings.TrimSuffix(d.cfg.OrderLinkBase, "/"), p.OrderID),
		})
	}

	if len(items) == 0 {
		slog.Warn("Нет получателей уведомления об оплате", "eventID", e.ID, "orderID", p.OrderID)
	} else if err := d.store.CreateNotifications(ctx, items); err != nil {
		return nil, err
	}

	slog.Info("Уведомления об оплате разосланы", "eventID", e.ID, "orderID", p.OrderID, "type", e.Type, "recipients", len(items))
	if d.cfg.NotifyCustomer && d.sms != nil && p.Phone != "" {
		return &smsMessage{phone: p.Phone, text: customerMsg}, nil
	}
	return nil, nil
}

func compose(p models.PaymentEventPayload) (title, adminMsg, customerMsg string) {
	if p.Paid {
		title = "Payment received"
		adminMsg = fmt.Sprintf("KES %s received for order %s via M-Pesa (receipt %s).", p.Amount, p.OrderNumber, p.Receipt)
		customerMsg = fmt.Sprintf("We received your M-Pesa payment of KES %s for order %s. Receipt: %s.", p.Amount, p.OrderNumber, p.Receipt)
		return
	}
	reason := p.Reason
	if reason == "" {
		reason = "payment was not completed"
	}
	title = "Payment failed"
	adminMsg = fmt.Sprintf("M-Pesa payment of KES %s for order %s failed: %s.", p.Amount, p.OrderNumber, reason)
	customerMsg = fmt.Sprintf("Your M-Pesa payment of KES %s for order %s did not go through: %s.", p.Amount, p.OrderNumber, reason)
	return
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
