package store

// Schema compatible with sqlite, postgres and mysql. Structured fields are
// JSON-encoded TEXT columns; timestamps are TIMESTAMP.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS agents (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(255) NOT NULL UNIQUE,
    description TEXT,
    llm_id VARCHAR(64) NOT NULL,
    max_iteration INTEGER NOT NULL DEFAULT 30,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`,

	`CREATE TABLE IF NOT EXISTS llms (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    endpoint TEXT NOT NULL,
    model VARCHAR(255) NOT NULL,
    api_key TEXT,
    protocol VARCHAR(32) NOT NULL,
    streaming BOOLEAN NOT NULL DEFAULT FALSE,
    extra_config TEXT
)`,

	`CREATE TABLE IF NOT EXISTS agent_tools (
    agent_id VARCHAR(64) NOT NULL,
    tool_name VARCHAR(100) NOT NULL,
    PRIMARY KEY (agent_id, tool_name)
)`,

	`CREATE TABLE IF NOT EXISTS sessions (
    session_id VARCHAR(64) PRIMARY KEY,
    agent_id VARCHAR(64) NOT NULL,
    usr VARCHAR(255) NOT NULL,
    status VARCHAR(32) NOT NULL,
    subject TEXT,
    object TEXT,
    chat_history TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`,

	`CREATE INDEX IF NOT EXISTS idx_sessions_usr ON sessions(usr)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at)`,

	`CREATE TABLE IF NOT EXISTS session_memories (
    session_id VARCHAR(64) PRIMARY KEY,
    memory_items TEXT,
    conversations TEXT,
    version INTEGER NOT NULL DEFAULT 1,
    max_memory_id INTEGER NOT NULL DEFAULT 0
)`,

	`CREATE TABLE IF NOT EXISTS react_tasks (
    task_id VARCHAR(64) PRIMARY KEY,
    session_id VARCHAR(64),
    agent_id VARCHAR(64) NOT NULL,
    usr VARCHAR(255) NOT NULL,
    user_message TEXT NOT NULL,
    objective TEXT,
    status VARCHAR(32) NOT NULL,
    iteration INTEGER NOT NULL DEFAULT 0,
    max_iteration INTEGER NOT NULL,
    prompt_tokens INTEGER NOT NULL DEFAULT 0,
    completion_tokens INTEGER NOT NULL DEFAULT 0,
    total_tokens INTEGER NOT NULL DEFAULT 0,
    error_log TEXT,
    answer TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`,

	`CREATE INDEX IF NOT EXISTS idx_react_tasks_session_id ON react_tasks(session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_react_tasks_status ON react_tasks(status)`,

	`CREATE TABLE IF NOT EXISTS react_recursions (
    trace_id VARCHAR(64) PRIMARY KEY,
    task_id VARCHAR(64) NOT NULL,
    iteration_index INTEGER NOT NULL,
    observe TEXT,
    thought TEXT,
    abstract TEXT,
    action_type VARCHAR(32),
    action_output TEXT,
    tool_call_results TEXT,
    short_term_memory TEXT,
    plan_step_id VARCHAR(64),
    status VARCHAR(32) NOT NULL,
    error_log TEXT,
    prompt_tokens INTEGER NOT NULL DEFAULT 0,
    completion_tokens INTEGER NOT NULL DEFAULT 0,
    total_tokens INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`,

	`CREATE INDEX IF NOT EXISTS idx_react_recursions_task_id ON react_recursions(task_id)`,

	`CREATE TABLE IF NOT EXISTS react_plan_steps (
    task_id VARCHAR(64) NOT NULL,
    step_id VARCHAR(64) NOT NULL,
    description TEXT,
    status VARCHAR(32) NOT NULL,
    position INTEGER NOT NULL,
    PRIMARY KEY (task_id, step_id)
)`,

	`CREATE TABLE IF NOT EXISTS react_recursion_states (
    trace_id VARCHAR(64) PRIMARY KEY,
    task_id VARCHAR(64) NOT NULL,
    iteration_index INTEGER NOT NULL,
    state TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
)`,

	`CREATE INDEX IF NOT EXISTS idx_react_recursion_states_task_id ON react_recursion_states(task_id)`,
}
