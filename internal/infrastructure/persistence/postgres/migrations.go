package postgres

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: CRM RECORD TABLES
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
-- Migration: Create CRM record tables
-- Version: 001

-- Students known to the academy. The engine reads this roster on every tick.
CREATE TABLE IF NOT EXISTS students (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    first_name VARCHAR(100) NOT NULL,
    last_name VARCHAR(100) NOT NULL DEFAULT '',
    telegram_chat_id BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_students_telegram_chat_id
    ON students(telegram_chat_id) WHERE telegram_chat_id != 0;

-- Scheduled training sessions.
CREATE TABLE IF NOT EXISTS trainings (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    scheduled_time TIMESTAMP WITH TIME ZONE NOT NULL,
    trainer_id VARCHAR(100) NOT NULL DEFAULT '',
    trainer_name VARCHAR(200) NOT NULL DEFAULT '',
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_trainings_scheduled_time ON trainings(scheduled_time);

-- Attendance marks. One mark per student per training.
CREATE TABLE IF NOT EXISTS attendance (
    id SERIAL PRIMARY KEY,
    student_id UUID NOT NULL REFERENCES students(id) ON DELETE CASCADE,
    training_id UUID NOT NULL REFERENCES trainings(id) ON DELETE CASCADE,
    status VARCHAR(20) NOT NULL,
    marked_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_attendance_status CHECK (status IN ('present', 'absent', 'excused')),
    UNIQUE(student_id, training_id)
);

-- The streak walk reads a student's marks newest first.
CREATE INDEX IF NOT EXISTS idx_attendance_student_marked
    ON attendance(student_id, marked_at DESC);

-- Subscriptions. The active flag may lag behind the end date; the engine's
-- expiry cleanup reconciles it.
CREATE TABLE IF NOT EXISTS subscriptions (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    student_id UUID NOT NULL REFERENCES students(id) ON DELETE CASCADE,
    type VARCHAR(50) NOT NULL,
    price DECIMAL(10,2) NOT NULL DEFAULT 0.00,
    start_date TIMESTAMP WITH TIME ZONE NOT NULL,
    end_date TIMESTAMP WITH TIME ZONE,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_price CHECK (price >= 0)
);

CREATE INDEX IF NOT EXISTS idx_subscriptions_student_id ON subscriptions(student_id);
CREATE INDEX IF NOT EXISTS idx_subscriptions_active_end
    ON subscriptions(end_date) WHERE active = TRUE;
`

const migration001Down = `
DROP TABLE IF EXISTS subscriptions;
DROP TABLE IF EXISTS attendance;
DROP TABLE IF EXISTS trainings;
DROP TABLE IF EXISTS students;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: NOTIFICATION LEDGER
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
-- Migration: Create notification ledger
-- Version: 002

-- One row per confirmed dispatch. The unique constraint over the dedup tuple
-- is the at-most-once guarantee; concurrent writers race on it and the loser
-- gets a unique violation.
CREATE TABLE IF NOT EXISTS notification_ledger (
    id UUID PRIMARY KEY,
    recipient_id UUID NOT NULL,
    kind VARCHAR(30) NOT NULL,
    subject_id VARCHAR(100) NOT NULL,
    period_key VARCHAR(100) NOT NULL,
    sent_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_ledger_kind CHECK (
        kind IN ('missed_classes', 'training_reminder', 'payment_reminder', 'expiry_cleanup')
    ),
    UNIQUE(recipient_id, kind, subject_id, period_key)
);

CREATE INDEX IF NOT EXISTS idx_ledger_recipient ON notification_ledger(recipient_id);
CREATE INDEX IF NOT EXISTS idx_ledger_sent_at ON notification_ledger(sent_at DESC);
`

const migration002Down = `
DROP TABLE IF EXISTS notification_ledger;
`

// GetMigrations returns all migrations in order.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_crm_record_tables",
			UpSQL:   migration001Up,
			DownSQL: migration001Down,
		},
		{
			Version: 2,
			Name:    "create_notification_ledger",
			UpSQL:   migration002Up,
			DownSQL: migration002Down,
		},
	}
}
