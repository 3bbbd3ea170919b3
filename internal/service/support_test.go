package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
)

// memStore is an in-memory stand-in for the database store, honoring the
// same contracts: conditional status updates, nil-on-missing lookups and
// all-or-nothing reservation at checkout.
type memStore struct {
	mu sync.Mutex

	users      map[int64]*models.User
	carts      map[int64]*models.Cart
	cartItems  map[int64][]models.CartItem
	variants   map[int64]*models.VariantDetail
	orders     map[int64]*models.Order
	orderItems map[int64][]models.OrderItem
	payments   []*models.Payment
	credits    []*models.ClientCredit
	events     []*models.WebhookEvent

	nextID int64
}

func newMemStore() *memStore {
	return &memStore{
		users:      make(map[int64]*models.User),
		carts:      make(map[int64]*models.Cart),
		cartItems:  make(map[int64][]models.CartItem),
		variants:   make(map[int64]*models.VariantDetail),
		orders:     make(map[int64]*models.Order),
		orderItems: make(map[int64][]models.OrderItem),
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memStore) addUser(id int64, vip bool) {
	m.users[id] = &models.User{ID: id, Email: fmt.Sprintf("user%d@example.com", id), IsVIP: vip}
}

func (m *memStore) addVariant(id int64, price int64, vipPrice *int64, stock int) {
	m.variants[id] = &models.VariantDetail{
		Variant:       models.Variant{ID: id, ProductID: id, Price: price, VIPPrice: vipPrice, Stock: stock},
		ProductName:   fmt.Sprintf("product-%d", id),
		ProductActive: true,
	}
}

func (m *memStore) addCart(userID int64, lines ...models.CartItem) int64 {
	cartID := m.id()
	m.carts[cartID] = &models.Cart{ID: cartID, UserID: userID}
	for i := range lines {
		lines[i].ID = m.id()
		lines[i].CartID = cartID
	}
	m.cartItems[cartID] = lines
	return cartID
}

func (m *memStore) addOrder(order *models.Order, items ...models.OrderItem) *models.Order {
	if order.ID == 0 {
		order.ID = m.id()
	}
	if order.GatewayReference == "" {
		order.GatewayReference = fmt.Sprintf("order-ref-%d", order.ID)
	}
	m.orders[order.ID] = order
	for i := range items {
		items[i].ID = m.id()
		items[i].OrderID = order.ID
	}
	sort.Slice(items, func(i, j int) bool { return items[i].VariantID < items[j].VariantID })
	m.orderItems[order.ID] = items
	return order
}

func (m *memStore) addSettledPayment(order *models.Order, amount int64, status string) *models.Payment {
	p := &models.Payment{
		ID:            m.id(),
		UserID:        order.UserID,
		OrderID:       &order.ID,
		Amount:        amount,
		Status:        status,
		PaymentType:   models.PaymentTypeOrder,
		TransactionID: fmt.Sprintf("tx-%d", m.nextID),
		CreatedAt:     time.Now(),
	}
	m.payments = append(m.payments, p)
	return p
}

func copyOrder(o *models.Order) *models.Order {
	c := *o
	return &c
}

func (m *memStore) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, found := m.users[id]
	if !found {
		return nil, fmt.Errorf("user not found: %d", id)
	}
	c := *u
	return &c, nil
}

func (m *memStore) GetCartByUserID(ctx context.Context, userID int64) (*models.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cart := range m.carts {
		if cart.UserID == userID {
			c := *cart
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memStore) GetCartItems(ctx context.Context, cartID int64) ([]models.CartItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.CartItem(nil), m.cartItems[cartID]...), nil
}

func (m *memStore) ClearCart(ctx context.Context, cartID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cartItems[cartID] = nil
	return nil
}

func (m *memStore) GetVariantByID(ctx context.Context, id int64) (*models.Variant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, found := m.variants[id]
	if !found {
		return nil, fmt.Errorf("variant not found: %d", id)
	}
	c := v.Variant
	return &c, nil
}

func (m *memStore) GetVariantDetails(ctx context.Context, ids []int64) ([]models.VariantDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	details := make([]models.VariantDetail, 0, len(ids))
	for _, id := range ids {
		if v, found := m.variants[id]; found {
			details = append(details, *v)
		}
	}
	return details, nil
}

func (m *memStore) CreateOrderWithItems(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, item := range items {
		v, found := m.variants[item.VariantID]
		if !found {
			return fmt.Errorf("variant not found: %d", item.VariantID)
		}
		if v.ReservedStock+item.Quantity > v.Stock {
			return store.ErrInsufficientStock
		}
	}

	order.ID = m.id()
	order.CreatedAt = time.Now()
	m.orders[order.ID] = copyOrder(order)

	sort.Slice(items, func(i, j int) bool { return items[i].VariantID < items[j].VariantID })
	for i := range items {
		items[i].ID = m.id()
		items[i].OrderID = order.ID
		m.variants[items[i].VariantID].ReservedStock += items[i].Quantity
	}
	m.orderItems[order.ID] = append([]models.OrderItem(nil), items...)
	return nil
}

func (m *memStore) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, found := m.orders[id]
	if !found {
		return nil, fmt.Errorf("order not found: %d", id)
	}
	return copyOrder(o), nil
}

func (m *memStore) GetOrderByGatewayReference(ctx context.Context, reference string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.GatewayReference == reference {
			return copyOrder(o), nil
		}
	}
	return nil, nil
}

func (m *memStore) UpdateOrderStatusFrom(ctx context.Context, orderID int64, from, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, found := m.orders[orderID]
	if !found || o.Status != from {
		return false, nil
	}
	o.Status = to
	return true, nil
}

func (m *memStore) SetOrderDelivered(ctx context.Context, orderID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, found := m.orders[orderID]; found {
		o.DeliveredAt = &at
	}
	return nil
}

func (m *memStore) SetOrderFraud(ctx context.Context, orderID int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, found := m.orders[orderID]; found {
		o.FraudReason = &reason
	}
	return nil
}

func (m *memStore) ClearReservationExpiry(ctx context.Context, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, found := m.orders[orderID]; found {
		o.ReservationExpiresAt = nil
	}
	return nil
}

func (m *memStore) SetReturnRequestData(ctx context.Context, orderID int64, data *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, found := m.orders[orderID]; found {
		o.ReturnRequestData = data
	}
	return nil
}

func (m *memStore) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.OrderItem(nil), m.orderItems[orderID]...), nil
}

func (m *memStore) IncrementItemReturned(ctx context.Context, itemID int64, qty int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, items := range m.orderItems {
		for i := range items {
			if items[i].ID == itemID {
				items[i].QuantityReturned += qty
				return nil
			}
		}
	}
	return fmt.Errorf("order item not found: %d", itemID)
}

func (m *memStore) CreatePayment(ctx context.Context, payment *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	payment.ID = m.id()
	payment.CreatedAt = time.Now()
	c := *payment
	m.payments = append(m.payments, &c)
	return nil
}

func (m *memStore) GetPendingPaymentByTransactionID(ctx context.Context, txID string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.TransactionID == txID && p.Status == models.PaymentStatusPending {
			c := *p
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memStore) GetLatestPaymentByOrderID(ctx context.Context, orderID int64) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.payments) - 1; i >= 0; i-- {
		p := m.payments[i]
		if p.OrderID != nil && *p.OrderID == orderID {
			c := *p
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memStore) UpdatePaymentStatus(ctx context.Context, paymentID int64, status string, rawResponse *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.ID == paymentID {
			p.Status = status
			if rawResponse != nil {
				p.RawResponse = rawResponse
			}
			return nil
		}
	}
	return fmt.Errorf("payment not found: %d", paymentID)
}

func (m *memStore) SumSettledPayments(ctx context.Context, orderID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, p := range m.payments {
		if p.OrderID != nil && *p.OrderID == orderID && p.IsSettled() {
			total += p.Amount
		}
	}
	return total, nil
}

func (m *memStore) ListSettledPayments(ctx context.Context, orderID int64) ([]models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var settled []models.Payment
	for _, p := range m.payments {
		if p.OrderID != nil && *p.OrderID == orderID && p.IsSettled() {
			settled = append(settled, *p)
		}
	}
	return settled, nil
}

func (m *memStore) CreateCredit(ctx context.Context, credit *models.ClientCredit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	credit.ID = m.id()
	credit.CreatedAt = time.Now()
	c := *credit
	m.credits = append(m.credits, &c)
	return nil
}

func (m *memStore) ListCreditsByUser(ctx context.Context, userID int64) ([]models.ClientCredit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ClientCredit
	for _, c := range m.credits {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	return out, nil
}

// ConsumeCreditsIntoPayment mirrors the database store: consumption and the
// payment row land together or not at all.
func (m *memStore) ConsumeCreditsIntoPayment(ctx context.Context, payment *models.Payment, target int64, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	consumed := m.consumeCreditsLocked(payment.UserID, target, now)
	if consumed == 0 {
		return 0, nil
	}

	payment.Amount = consumed
	payment.ID = m.id()
	payment.CreatedAt = time.Now()
	c := *payment
	m.payments = append(m.payments, &c)
	return consumed, nil
}

func (m *memStore) consumeCreditsLocked(userID int64, amount int64, now time.Time) int64 {
	var consumed int64
	for _, c := range m.credits {
		if consumed >= amount {
			break
		}
		if c.UserID != userID || c.RemainingAmount <= 0 || now.After(c.ExpiresAt) {
			continue
		}
		if c.Status != models.CreditStatusAvailable && c.Status != models.CreditStatusPartiallyUsed {
			continue
		}

		draw := amount - consumed
		if draw > c.RemainingAmount {
			draw = c.RemainingAmount
		}
		c.RemainingAmount -= draw
		consumed += draw
		if c.RemainingAmount == 0 {
			c.Status = models.CreditStatusExhausted
		} else {
			c.Status = models.CreditStatusPartiallyUsed
		}
	}
	return consumed
}

func (m *memStore) CreateWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.ID = m.id()
	event.CreatedAt = time.Now()
	m.events = append(m.events, event)
	return nil
}

func (m *memStore) FinalizeWebhookEvent(ctx context.Context, eventID int64, status string, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ID == eventID {
			e.Status = status
			e.ErrorMessage = errMsg
			return nil
		}
	}
	return fmt.Errorf("webhook event not found: %d", eventID)
}

// memLedger implements Inventory against the memStore's variant table, with
// the same movement-keyed idempotency as the database ledger.
type memLedger struct {
	s         *memStore
	mu        sync.Mutex
	movements map[string]bool
}

func newMemLedger(s *memStore) *memLedger {
	return &memLedger{s: s, movements: make(map[string]bool)}
}

func movementKey(movementType string, orderID, variantID int64) string {
	return fmt.Sprintf("%s|%d|%d", movementType, orderID, variantID)
}

// record returns false when this movement was already applied.
func (l *memLedger) record(movementType string, orderID, variantID int64) bool {
	key := movementKey(movementType, orderID, variantID)
	if l.movements[key] {
		return false
	}
	l.movements[key] = true
	return true
}

func (l *memLedger) Reserve(ctx context.Context, variantID int64, qty int, orderID int64, actor int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	if !l.record(models.MovementReservation, orderID, variantID) {
		return nil
	}
	v := l.s.variants[variantID]
	if v.ReservedStock+qty > v.Stock {
		return apperr.InsufficientStock("variant %d", variantID)
	}
	v.ReservedStock += qty
	return nil
}

func (l *memLedger) Release(ctx context.Context, variantID int64, qty int, orderID int64, movementType string, actor int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	if !l.record(movementType, orderID, variantID) {
		return nil
	}
	v := l.s.variants[variantID]
	v.ReservedStock -= qty
	if v.ReservedStock < 0 {
		v.ReservedStock = 0
	}
	return nil
}

func (l *memLedger) Capture(ctx context.Context, variantID int64, qty int, orderID int64, actor int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	if !l.record(models.MovementSale, orderID, variantID) {
		return nil
	}
	v := l.s.variants[variantID]
	if v.Stock < qty {
		delete(l.movements, movementKey(models.MovementSale, orderID, variantID))
		return apperr.ReservationExpired("variant %d", variantID)
	}

	fromReserved := qty
	if v.ReservedStock < fromReserved {
		fromReserved = v.ReservedStock
	}
	v.Stock -= qty
	v.ReservedStock -= fromReserved
	return nil
}

func (l *memLedger) Adjust(ctx context.Context, variantID int64, delta int, movementType string, orderID *int64, actor int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	if orderID != nil && !l.record(movementType, *orderID, variantID) {
		return nil
	}
	v := l.s.variants[variantID]
	if v.Stock+delta < 0 {
		return apperr.InsufficientStock("variant %d", variantID)
	}
	v.Stock += delta
	return nil
}

// fakeNotifier records dispatched notifications.
type fakeNotifier struct {
	mu      sync.Mutex
	sent    []sentNotification
	failAll bool
}

type sentNotification struct {
	UserID  int64
	Code    string
	Payload map[string]interface{}
}

func (f *fakeNotifier) Notify(ctx context.Context, userID int64, eventCode string, payload map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return fmt.Errorf("notification transport down")
	}
	f.sent = append(f.sent, sentNotification{UserID: userID, Code: eventCode, Payload: payload})
	return nil
}

func (f *fakeNotifier) codes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, n := range f.sent {
		out[i] = n.Code
	}
	return out
}
