package database

// The uniqueness constraints below are load-bearing: ledger idempotency and
// single-shot compensation both rely on duplicate-key errors, not on reads.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    telegram_id BIGINT NOT NULL UNIQUE,
    username VARCHAR(255),
    referrer_id BIGINT,
    paid_credit INT NOT NULL DEFAULT 0,
    promo_credit INT NOT NULL DEFAULT 0,
    reserved_credit INT NOT NULL DEFAULT 0,
    token_balance INT NOT NULL DEFAULT 0,
    free_takes_used INT NOT NULL DEFAULT 0,
    copy_takes_used INT NOT NULL DEFAULT 0,
    suspended TINYINT(1) NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
)`,

	`CREATE TABLE IF NOT EXISTS packs (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    title VARCHAR(255) NOT NULL,
    description TEXT,
    currency VARCHAR(8) NOT NULL,
    price_minor_units INT NOT NULL,
    takes_limit INT NOT NULL,
    hd_amount INT NOT NULL,
    is_trial TINYINT(1) NOT NULL DEFAULT 0,
    is_collection TINYINT(1) NOT NULL DEFAULT 0,
    playlist JSON,
    favorites_cap INT,
    hd_sla_minutes INT NOT NULL,
    is_active TINYINT(1) NOT NULL DEFAULT 1,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
)`,

	`CREATE TABLE IF NOT EXISTS sessions (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    account_id BIGINT NOT NULL,
    pack_id BIGINT NOT NULL,
    takes_limit INT NOT NULL,
    takes_used INT NOT NULL DEFAULT 0,
    hd_limit INT NOT NULL,
    hd_used INT NOT NULL DEFAULT 0,
    status VARCHAR(16) NOT NULL DEFAULT 'active',
    playlist JSON,
    current_step INT NOT NULL DEFAULT 0,
    input_photo_ref VARCHAR(512),
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    FOREIGN KEY (account_id) REFERENCES accounts(id),
    FOREIGN KEY (pack_id) REFERENCES packs(id)
)`,

	`CREATE TABLE IF NOT EXISTS takes (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    session_id BIGINT,
    account_id BIGINT NOT NULL,
    step_index INT NOT NULL DEFAULT 0,
    template_id VARCHAR(128) NOT NULL,
    status VARCHAR(16) NOT NULL DEFAULT 'generating',
    variants JSON,
    is_reroll TINYINT(1) NOT NULL DEFAULT 0,
    unlocked TINYINT(1) NOT NULL DEFAULT 0,
    cost_type VARCHAR(16) NOT NULL,
    reserved_credit INT NOT NULL DEFAULT 0,
    fail_reason VARCHAR(512),
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    FOREIGN KEY (session_id) REFERENCES sessions(id),
    FOREIGN KEY (account_id) REFERENCES accounts(id)
)`,

	`CREATE TABLE IF NOT EXISTS favorites (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    session_id BIGINT NOT NULL,
    take_id BIGINT NOT NULL,
    account_id BIGINT NOT NULL,
    variant_index INT NOT NULL DEFAULT 0,
    selected_for_hd TINYINT(1) NOT NULL DEFAULT 0,
    hd_status VARCHAR(16) NOT NULL DEFAULT 'none',
    hd_path VARCHAR(512),
    compensated_at TIMESTAMP NULL DEFAULT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    UNIQUE KEY uniq_take_variant (take_id, variant_index),
    FOREIGN KEY (session_id) REFERENCES sessions(id),
    FOREIGN KEY (take_id) REFERENCES takes(id),
    FOREIGN KEY (account_id) REFERENCES accounts(id)
)`,

	`CREATE TABLE IF NOT EXISTS ledger_entries (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    account_id BIGINT NOT NULL,
    correlation_id VARCHAR(128) NOT NULL,
    operation VARCHAR(16) NOT NULL,
    amount INT NOT NULL,
    promo_part INT NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE KEY uniq_account_correlation_op (account_id, correlation_id, operation),
    FOREIGN KEY (account_id) REFERENCES accounts(id)
)`,

	`CREATE TABLE IF NOT EXISTS compensation_log (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    account_id BIGINT NOT NULL,
    favorite_id BIGINT NOT NULL,
    reason VARCHAR(32) NOT NULL,
    amount INT NOT NULL,
    correlation_id VARCHAR(128) NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE KEY uniq_favorite (favorite_id),
    FOREIGN KEY (account_id) REFERENCES accounts(id),
    FOREIGN KEY (favorite_id) REFERENCES favorites(id)
)`,

	`CREATE TABLE IF NOT EXISTS payments (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    account_id BIGINT NOT NULL,
    pack_id BIGINT NOT NULL,
    session_id BIGINT,
    provider VARCHAR(64) NOT NULL,
    provider_charge_id VARCHAR(128) NOT NULL,
    currency VARCHAR(8) NOT NULL,
    amount INT NOT NULL,
    is_unlock TINYINT(1) NOT NULL DEFAULT 0,
    status VARCHAR(16) NOT NULL,
    raw_payload TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    UNIQUE KEY uniq_provider_charge (provider, provider_charge_id),
    FOREIGN KEY (account_id) REFERENCES accounts(id),
    FOREIGN KEY (pack_id) REFERENCES packs(id)
)`,

	`CREATE TABLE IF NOT EXISTS referral_bonuses (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    referrer_id BIGINT NOT NULL,
    referred_id BIGINT NOT NULL,
    payment_id BIGINT NOT NULL,
    amount INT NOT NULL,
    status VARCHAR(16) NOT NULL DEFAULT 'pending',
    available_at TIMESTAMP NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    UNIQUE KEY uniq_payment (payment_id),
    FOREIGN KEY (referrer_id) REFERENCES accounts(id),
    FOREIGN KEY (referred_id) REFERENCES accounts(id),
    FOREIGN KEY (payment_id) REFERENCES payments(id)
)`,
}
