package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"propsight/internal/types"
)

// defaultBcryptCost is used when no cost is configured.
const defaultBcryptCost = 12

// UserRepo defines the data access methods needed by AuthService for user
// operations.
type UserRepo interface {
	Create(ctx context.Context, user *types.User) error
	GetByEmail(ctx context.Context, email string) (*types.User, error)
	UpdateLastLogin(ctx context.Context, userID string) error
	UpdatePassword(ctx context.Context, userID string, passwordHash string) error
}

// SubscriptionProvisioner creates the default free-tier subscription row for
// a newly registered user. Satisfied by the billing reconciler.
type SubscriptionProvisioner interface {
	ProvisionDefaultSubscription(ctx context.Context, userID string) error
}

// AuthTxManager abstracts transactional execution for the AuthService.
// The callback receives transaction-scoped repositories for user and session
// operations, ensuring all writes within the callback participate in the
// same database transaction.
type AuthTxManager interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, txUserRepo UserRepo, txSessionRepo SessionRepo) error) error
}

// PasswordHasher abstracts bcrypt operations for testability.
type PasswordHasher interface {
	CompareHashAndPassword(hashedPassword, password string) error
	GenerateFromPassword(password string) (string, error)
}

// bcryptHasher is the production implementation of PasswordHasher.
type bcryptHasher struct {
	cost int
}

// NewBcryptHasher creates a PasswordHasher with the given cost factor.
// Costs outside bcrypt's valid range fall back to the default.
func NewBcryptHasher(cost int) PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = defaultBcryptCost
	}
	return &bcryptHasher{cost: cost}
}

func (b *bcryptHasher) CompareHashAndPassword(hashedPassword, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
}

func (b *bcryptHasher) GenerateFromPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), b.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// HashToken produces a hex-encoded SHA-256 hash of a raw token string.
// Used for password reset tokens where the hash must be searchable in the
// database (unlike bcrypt which is salted and non-searchable).
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// authService implements signup, login, and logout on top of the session
// service.
//
// Dependencies (all injected via AuthServiceConfig):
//   - UserRepo: for user lookup and creation outside transactions
//   - SessionService: for session creation (token generation, session struct building)
//   - SecurityService: for brute force tracking (RecordAttempt on success/failure)
//   - AuthTxManager: for transactional execution of the signup and login flows
//   - Provisioner: for creating the default free-tier subscription on signup
//   - PasswordHasher: for bcrypt password verification and generation
type authService struct {
	userRepo    UserRepo
	sessionSvc  *sessionService
	security    types.SecurityService
	txManager   AuthTxManager
	provisioner SubscriptionProvisioner
	hasher      PasswordHasher
	clock       types.Clock
	logger      *slog.Logger
}

// AuthServiceConfig holds the dependencies for creating an AuthService.
type AuthServiceConfig struct {
	UserRepo       UserRepo
	SessionService *sessionService
	Security       types.SecurityService
	TxManager      AuthTxManager
	Provisioner    SubscriptionProvisioner
	Hasher         PasswordHasher
	Clock          types.Clock
	Logger         *slog.Logger
}

// NewAuthService creates a new AuthService implementation.
// If Hasher is nil, the production bcryptHasher is used with the default cost.
// If Clock is nil, RealClock is used.
// If Logger is nil, slog.Default() is used.
func NewAuthService(cfg AuthServiceConfig) *authService {
	hasher := cfg.Hasher
	if hasher == nil {
		hasher = NewBcryptHasher(defaultBcryptCost)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &authService{
		userRepo:    cfg.UserRepo,
		sessionSvc:  cfg.SessionService,
		security:    cfg.Security,
		txManager:   cfg.TxManager,
		provisioner: cfg.Provisioner,
		hasher:      hasher,
		clock:       clock,
		logger:      logger,
	}
}

// Signup registers a new account and provisions its default free-tier
// subscription. The user row and the initial session are created within a
// single transaction; the subscription row is provisioned immediately after
// commit. Provisioning failure does not fail the signup: quota resolution
// falls back to the free tier until the row exists.
func (s *authService) Signup(ctx context.Context, email, name, password, ip string) (*types.User, *types.Session, error) {
	email = CanonicalizeEmail(email)

	passwordHash, err := s.hasher.GenerateFromPassword(password)
	if err != nil {
		return nil, nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to hash password", err)
	}

	now := s.clock.Now()
	user := &types.User{
		ID:           "usr_" + uuid.NewString(),
		Email:        email,
		Name:         name,
		PasswordHash: passwordHash,
		Status:       types.UserStatusActive,
		CreatedAt:    now,
	}

	var session *types.Session
	err = s.txManager.RunInTx(ctx, func(txCtx context.Context, txUserRepo UserRepo, txSessionRepo SessionRepo) error {
		if createErr := txUserRepo.Create(txCtx, user); createErr != nil {
			return createErr
		}

		txSessionSvc := s.sessionSvc.withRepo(txSessionRepo)
		sess, _, createErr := txSessionSvc.CreateSession(txCtx, user.ID, ip, "")
		if createErr != nil {
			return createErr
		}
		session = sess
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	if s.provisioner != nil {
		if provErr := s.provisioner.ProvisionDefaultSubscription(ctx, user.ID); provErr != nil {
			s.logger.Warn("failed to provision default subscription",
				"user_id", user.ID,
				"error", provErr,
			)
		}
	}

	_ = s.security.RecordAttempt(ctx, "signup", email, ip, true, "")

	s.logger.Info("user signed up",
		"user_id", user.ID,
		"email", email,
	)

	return user, session, nil
}

// Login verifies credentials and creates a session within a transaction.
//
// Flow:
//  1. Fetch user by email (outside transaction).
//  2. Verify password hash (bcrypt). If invalid, record failure and return
//     invalid-credentials.
//  3. Check user status is 'active'.
//  4. Start DB transaction:
//     a. Update last_login_at.
//     b. Create session.
//     c. Delete expired sessions for the user (lazy cleanup).
//  5. Record success attempt via SecurityService.
//  6. Return user and session.
//
// Enumeration Protection: returns a generic "invalid email or password" for
// both user-not-found and invalid-password cases.
func (s *authService) Login(ctx context.Context, email, password, ip string) (*types.User, *types.Session, error) {
	email = CanonicalizeEmail(email)

	// Step 1: Fetch user by email
	user, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		// Mask user-not-found as invalid creds for enumeration protection
		if appErr, ok := err.(*types.AppError); ok && appErr.Code == types.ErrCodeNotFoundUser {
			_ = s.security.RecordAttempt(ctx, "login", email, ip, false, "user_not_found")
			return nil, nil, types.NewAppError(types.ErrCodeAuthInvalidCreds, "invalid email or password", nil)
		}
		return nil, nil, err
	}

	// Step 2: Verify password hash
	if err := s.hasher.CompareHashAndPassword(user.PasswordHash, password); err != nil {
		_ = s.security.RecordAttempt(ctx, "login", email, ip, false, "invalid_creds")
		return nil, nil, types.NewAppError(types.ErrCodeAuthInvalidCreds, "invalid email or password", nil)
	}

	// Step 3: Check user status is active
	if user.Status != types.UserStatusActive {
		_ = s.security.RecordAttempt(ctx, "login", email, ip, false, "account_not_active")
		return nil, nil, types.NewAppError(types.ErrCodeAuthAccountNotActive, "account not active", nil)
	}

	// Step 4: Transactional operations
	var session *types.Session
	err = s.txManager.RunInTx(ctx, func(txCtx context.Context, txUserRepo UserRepo, txSessionRepo SessionRepo) error {
		// 4a. Update last_login_at
		if updateErr := txUserRepo.UpdateLastLogin(txCtx, user.ID); updateErr != nil {
			return updateErr
		}

		// 4b. Create session
		// Use a transaction-scoped session service that writes to the tx connection
		txSessionSvc := s.sessionSvc.withRepo(txSessionRepo)
		sess, _, createErr := txSessionSvc.CreateSession(txCtx, user.ID, ip, "")
		if createErr != nil {
			return createErr
		}
		session = sess

		// 4c. Lazy session cleanup - delete expired sessions for this user
		if cleanupErr := txSessionRepo.DeleteExpiredByUser(txCtx, user.ID); cleanupErr != nil {
			// Log but don't fail the login for cleanup errors.
			// The scheduled job will catch orphaned sessions.
			s.logger.Warn("failed to clean expired sessions during login",
				"user_id", user.ID,
				"error", cleanupErr,
			)
		}

		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	// Step 5: Record successful login attempt
	_ = s.security.RecordAttempt(ctx, "login", email, ip, true, "")

	s.logger.Info("user logged in",
		"user_id", user.ID,
		"email", email,
	)

	return user, session, nil
}

// Logout invalidates the given session.
func (s *authService) Logout(ctx context.Context, sessionID string) error {
	return s.sessionSvc.InvalidateSession(ctx, sessionID)
}

// ChangePassword verifies the current password, stores a new hash, and
// revokes every session for the user so stolen cookies stop working.
func (s *authService) ChangePassword(ctx context.Context, userID, email, currentPassword, newPassword string) error {
	user, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		return err
	}
	if user.ID != userID {
		return types.NewAppError(types.ErrCodePermissionUserMismatch, "cannot change another user's password", nil)
	}

	if err := s.hasher.CompareHashAndPassword(user.PasswordHash, currentPassword); err != nil {
		return types.NewAppError(types.ErrCodeAuthInvalidCreds, "invalid email or password", nil)
	}

	newHash, err := s.hasher.GenerateFromPassword(newPassword)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to hash password", err)
	}

	if err := s.userRepo.UpdatePassword(ctx, user.ID, newHash); err != nil {
		return err
	}

	if err := s.sessionSvc.InvalidateAllUserSessions(ctx, user.ID); err != nil {
		s.logger.Warn("failed to invalidate sessions after password change",
			"user_id", user.ID,
			"error", err,
		)
	}

	s.logger.Info("password changed", "user_id", user.ID)
	return nil
}
